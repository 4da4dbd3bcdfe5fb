package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel/internal/clock"
)

// RendezvousStore is the pgx-backed implementation of rendezvous.Store. It
// persists daily points and hourly tokens so the in-memory registry can be
// rebuilt (or at least kept durable for cross-restart audit) independent of
// any single server process's uptime.
type RendezvousStore struct {
	db *DB
}

func NewRendezvousStore(db *DB) *RendezvousStore {
	return &RendezvousStore{db: db}
}

// SaveDailyPoint upserts a daily meeting-point entry, keyed on (point, peerID).
func (s *RendezvousStore) SaveDailyPoint(ctx context.Context, point string, peerID, deadDrop, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO daily_points (point_hash, peer_id, dead_drop, relay_id, expires_at, wall_ms, counter)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (point_hash, peer_id) DO UPDATE SET
			dead_drop = EXCLUDED.dead_drop,
			relay_id = EXCLUDED.relay_id,
			expires_at = EXCLUDED.expires_at,
			wall_ms = EXCLUDED.wall_ms,
			counter = EXCLUDED.counter
	`, []byte(point), peerID, []byte(deadDrop), relayID, expiresAt, vc.WallMs, vc.Counter)
	if err != nil {
		return fmt.Errorf("saving daily point: %w", err)
	}
	return nil
}

// SaveHourlyToken upserts an hourly live-match token entry, keyed on (token, peerID).
func (s *RendezvousStore) SaveHourlyToken(ctx context.Context, token string, peerID, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO hourly_tokens (token_hash, peer_id, relay_id, expires_at, wall_ms, counter)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_hash, peer_id) DO UPDATE SET
			relay_id = EXCLUDED.relay_id,
			expires_at = EXCLUDED.expires_at,
			wall_ms = EXCLUDED.wall_ms,
			counter = EXCLUDED.counter
	`, []byte(token), peerID, relayID, expiresAt, vc.WallMs, vc.Counter)
	if err != nil {
		return fmt.Errorf("saving hourly token: %w", err)
	}
	return nil
}

// DeleteByPeer removes every daily-point and hourly-token row for peerID,
// called when a peer disconnects so a stale entry never outlives its owner.
func (s *RendezvousStore) DeleteByPeer(ctx context.Context, peerID string) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM daily_points WHERE peer_id = $1`, peerID); err != nil {
		return fmt.Errorf("deleting daily points for peer: %w", err)
	}
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM hourly_tokens WHERE peer_id = $1`, peerID); err != nil {
		return fmt.Errorf("deleting hourly tokens for peer: %w", err)
	}
	return nil
}

// PruneExpired deletes rows past their expiry, run periodically so the
// tables don't grow unbounded between migrations.
func (s *RendezvousStore) PruneExpired(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM daily_points WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("pruning expired daily points: %w", err)
	}
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM hourly_tokens WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("pruning expired hourly tokens: %w", err)
	}
	return nil
}
