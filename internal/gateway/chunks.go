package gateway

import "sync"

// chunkRegistry tracks which file chunks each peer has announced as
// available, for chunk_announce/chunk_request/chunk_push advertising.
type chunkRegistry struct {
	mu        sync.Mutex
	announced map[string][]string // peerId -> chunk ids
}

func newChunkRegistry() *chunkRegistry {
	return &chunkRegistry{announced: make(map[string][]string)}
}

func (c *chunkRegistry) Announce(peerID string, chunks []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announced[peerID] = chunks
}

func (c *chunkRegistry) Remove(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.announced, peerID)
}
