package relay

import (
	"context"
	"sync"
	"time"
)

// Channel fan-out limits.
const (
	MaxQueueDepth = 100
	QueueTTL      = 5 * time.Minute
	sweepInterval = time.Minute
)

type queuedMessage struct {
	data       []byte
	enqueuedAt time.Time
}

// Deliverer forwards data to an online owner. Implemented by the gateway's
// connection table.
type Deliverer interface {
	DeliverUpstream(ownerPeerID string, data []byte) bool
}

// Subscriber receives fanned-out stream frames. Implemented by the
// gateway's per-connection handler.
type Subscriber interface {
	DeliverStreamFrame(data []byte)
}

// ChannelRegistry holds per-owner upstream queues for offline delivery and
// per-channel subscriber sets for live stream-frame fan-out.
type ChannelRegistry struct {
	mu     sync.Mutex
	queues map[string][]queuedMessage

	subMu       sync.RWMutex
	subscribers map[string]map[Subscriber]struct{}
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		queues:      make(map[string][]queuedMessage),
		subscribers: make(map[string]map[Subscriber]struct{}),
	}
}

// UpstreamMessage implements the "upstream-message" flow: forward directly
// if the owner is online, else enqueue, dropping the oldest entry once the
// queue reaches MaxQueueDepth.
func (c *ChannelRegistry) UpstreamMessage(ownerPeerID string, data []byte, deliverer Deliverer) {
	if deliverer != nil && deliverer.DeliverUpstream(ownerPeerID, data) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[ownerPeerID]
	q = append(q, queuedMessage{data: data, enqueuedAt: time.Now()})
	if len(q) > MaxQueueDepth {
		q = q[len(q)-MaxQueueDepth:]
	}
	c.queues[ownerPeerID] = q
}

// OwnerRegister implements "channel-owner-register": atomically filter out
// entries older than QueueTTL, deliver survivors in FIFO order, then delete
// the queue.
func (c *ChannelRegistry) OwnerRegister(ownerPeerID string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[ownerPeerID]
	if !ok {
		return nil
	}
	delete(c.queues, ownerPeerID)

	now := time.Now()
	out := make([][]byte, 0, len(q))
	for _, m := range q {
		if now.Sub(m.enqueuedAt) >= QueueTTL {
			continue
		}
		out = append(out, m.data)
	}
	return out
}

// Sweep evicts queue entries past TTL regardless of owner registration,
// intended to run on a periodic (1-minute) interval.
func (c *ChannelRegistry) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for owner, q := range c.queues {
		kept := q[:0:0]
		for _, m := range q {
			if now.Sub(m.enqueuedAt) < QueueTTL {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(c.queues, owner)
		} else {
			c.queues[owner] = kept
		}
	}
}

// StartSweepLoop runs Sweep on sweepInterval until ctx is cancelled.
func (c *ChannelRegistry) StartSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Subscribe adds sub to channelID's subscriber set. It only receives frames
// sent from this point onward; there is no replay of missed frames.
func (c *ChannelRegistry) Subscribe(channelID string, sub Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	set, ok := c.subscribers[channelID]
	if !ok {
		set = make(map[Subscriber]struct{})
		c.subscribers[channelID] = set
	}
	set[sub] = struct{}{}
}

func (c *ChannelRegistry) Unsubscribe(channelID string, sub Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	set, ok := c.subscribers[channelID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(c.subscribers, channelID)
	}
}

// Broadcast fans a stream-frame out to every subscriber of channelID at
// send time.
func (c *ChannelRegistry) Broadcast(channelID string, data []byte) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for sub := range c.subscribers[channelID] {
		sub.DeliverStreamFrame(data)
	}
}
