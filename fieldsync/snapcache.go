// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CacheConfig controls the snapshot cache envelope policy.
type CacheConfig struct {
	TTL          time.Duration // validity window for cold-start loads
	MaxSizeBytes int64         // above this, media URLs are stripped from the cached payload
}

// DefaultCacheConfig returns the default cache policy.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:          5 * 24 * time.Hour,
		MaxSizeBytes: 4 << 20,
	}
}

// CacheInfo reports envelope diagnostics.
type CacheInfo struct {
	OwnerID   string
	SavedAt   time.Time
	SizeBytes int64
	Remaining time.Duration // remaining validity; <= 0 means expired
}

// SnapshotCache durably stores the last-known-good remote dataset so a cold
// start renders instantly before the subscription is established. A stale but
// recent snapshot is strictly better than an empty screen; it is superseded
// the moment a fresh delivery arrives.
type SnapshotCache struct {
	db     *sql.DB
	cfg    CacheConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotCache creates a cache over an initialized local database.
func NewSnapshotCache(db *sql.DB, cfg CacheConfig, logger *slog.Logger) *SnapshotCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCache{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// Save serializes the snapshot into a cache envelope. When the serialized
// payload exceeds MaxSizeBytes, media remote URLs are dropped from the cached
// copy (lists render without them on cold start); raw media bytes are never
// cached.
func (c *SnapshotCache) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	if int64(len(payload)) > c.cfg.MaxSizeBytes {
		stripped := stripMediaURLs(snap)
		payload, err = json.Marshal(stripped)
		if err != nil {
			return fmt.Errorf("failed to serialize stripped snapshot: %w", err)
		}
		c.logger.Info("cached snapshot above size ceiling, media URLs excluded",
			"owner_id", snap.OwnerID, "size_bytes", len(payload))
	}

	savedAt := c.now().UnixMilli()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshot_cache (owner_id, payload, saved_at, size_bytes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			payload = excluded.payload,
			saved_at = excluded.saved_at,
			size_bytes = excluded.size_bytes
	`, snap.OwnerID, string(payload), savedAt, int64(len(payload)))
	if err != nil {
		return fmt.Errorf("failed to save snapshot cache: %w", err)
	}
	return nil
}

// Load returns the cached snapshot for ownerID while it is still inside the
// TTL window. The boundary is exclusive: an envelope aged exactly TTL is
// rejected. Expired or absent envelopes yield (nil, nil).
func (c *SnapshotCache) Load(ctx context.Context, ownerID string) (*Snapshot, error) {
	var payload string
	var savedAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT payload, saved_at FROM snapshot_cache WHERE owner_id = ?
	`, ownerID).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot cache: %w", err)
	}

	age := c.now().Sub(time.UnixMilli(savedAt))
	if age >= c.cfg.TTL {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshot_cache WHERE owner_id = ?`, ownerID); err != nil {
			c.logger.Warn("failed to evict expired snapshot cache", "owner_id", ownerID, "error", err)
		}
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached snapshot: %w", err)
	}
	return &snap, nil
}

// Info reports the envelope's size and remaining validity window.
func (c *SnapshotCache) Info(ctx context.Context, ownerID string) (*CacheInfo, error) {
	var savedAt, size int64
	err := c.db.QueryRowContext(ctx, `
		SELECT saved_at, size_bytes FROM snapshot_cache WHERE owner_id = ?
	`, ownerID).Scan(&savedAt, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot cache info: %w", err)
	}
	saved := time.UnixMilli(savedAt)
	return &CacheInfo{
		OwnerID:   ownerID,
		SavedAt:   saved,
		SizeBytes: size,
		Remaining: c.cfg.TTL - c.now().Sub(saved),
	}, nil
}

// stripMediaURLs returns a copy of snap with media remote URLs removed.
func stripMediaURLs(snap *Snapshot) *Snapshot {
	out := &Snapshot{OwnerID: snap.OwnerID, ReceivedAt: snap.ReceivedAt}
	if snap.Entities == nil {
		return out
	}
	out.Entities = make(map[string][]Record, len(snap.Entities))
	for entity, recs := range snap.Entities {
		stripped := make([]Record, len(recs))
		for i, rec := range recs {
			rc := rec.Clone()
			for j := range rc.Media {
				rc.Media[j].RemoteURL = ""
			}
			stripped[i] = rc
		}
		out.Entities[entity] = stripped
	}
	return out
}
