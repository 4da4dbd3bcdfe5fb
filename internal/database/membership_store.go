package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
)

// MembershipStore persists a snapshot of the gossip membership table, keyed
// by this server's own ID plus the remote node's ID. It's a durability
// mirror of gossip.Gossip's in-memory view, not the source of truth: on
// restart a node rejoins via the bootstrap handshake and rebuilds its live
// view from gossip, the same as any other node. ListMembership reads the
// stored rows back; no admin endpoint serves them.
type MembershipStore struct {
	db       *DB
	serverID string
}

func NewMembershipStore(db *DB, serverID string) *MembershipStore {
	return &MembershipStore{db: db, serverID: serverID}
}

// SaveSnapshot replaces the stored view of the membership table with the
// given snapshot, attributed to this server's serverID.
func (s *MembershipStore) SaveSnapshot(ctx context.Context, members []gossip.Member) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning membership snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM membership WHERE server_id = $1`, s.serverID); err != nil {
		return fmt.Errorf("clearing previous membership snapshot: %w", err)
	}

	for _, m := range members {
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encoding membership metadata for %s: %w", m.ServerID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO membership (server_id, node_id, endpoint, public_key, status, incarnation, last_seen, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (server_id, node_id) DO UPDATE SET
				endpoint = EXCLUDED.endpoint,
				public_key = EXCLUDED.public_key,
				status = EXCLUDED.status,
				incarnation = EXCLUDED.incarnation,
				last_seen = EXCLUDED.last_seen,
				metadata = EXCLUDED.metadata
		`, s.serverID, m.ServerID, m.Endpoint, m.PublicKey, m.Status.String(), m.Incarnation, m.LastSeen, metadata)
		if err != nil {
			return fmt.Errorf("upserting membership row for %s: %w", m.ServerID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing membership snapshot: %w", err)
	}
	return nil
}

// MembershipRow is a row of the stored membership snapshot, as returned by
// ListMembership.
type MembershipRow struct {
	NodeID      string
	Endpoint    string
	PublicKey   string
	Status      string
	Incarnation uint64
	LastSeen    time.Time
	Metadata    map[string]string
}

// ListMembership returns this server's last-saved membership snapshot.
func (s *MembershipStore) ListMembership(ctx context.Context) ([]MembershipRow, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT node_id, endpoint, public_key, status, incarnation, last_seen, metadata
		FROM membership WHERE server_id = $1 ORDER BY node_id
	`, s.serverID)
	if err != nil {
		return nil, fmt.Errorf("querying membership snapshot: %w", err)
	}
	defer rows.Close()

	var out []MembershipRow
	for rows.Next() {
		var row MembershipRow
		var metadata []byte
		if err := rows.Scan(&row.NodeID, &row.Endpoint, &row.PublicKey, &row.Status, &row.Incarnation, &row.LastSeen, &metadata); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &row.Metadata); err != nil {
				return nil, fmt.Errorf("decoding membership metadata: %w", err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating membership rows: %w", err)
	}
	return out, nil
}
