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
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPendingNotFound is returned by Remove when no entry matches.
var ErrPendingNotFound = errors.New("pending entry not found")

// BlobUpload is an attachment handed to Enqueue alongside its record.
type BlobUpload struct {
	Kind MediaKind
	Data []byte
}

// Buffer is the durable pending-write buffer: whole records created while
// offline, partitioned by entity type, each with a monotonically increasing
// local sequence number. Attachment bytes live in the blob store; the record
// row carries only media references.
//
// All mutation goes through Enqueue/Remove; consumers observe changes via
// OnChange rather than polling.
type Buffer struct {
	db     *sql.DB
	blobs  *BlobStore
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
}

// NewBuffer creates a pending-write buffer over an initialized local database
// (see OpenLocalDB) and blob store.
func NewBuffer(db *sql.DB, blobs *BlobStore, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		db:        db,
		blobs:     blobs,
		logger:    logger,
		listeners: make(map[int]func()),
	}
}

// Enqueue persists the record and its attachments, assigns a local sequence
// number, and returns the stored entry. It is callable while offline and
// returns storage errors synchronously so the caller can warn the user.
//
// Blobs are written first and the record row committed in one statement; if
// the row insert fails the just-written blobs are deleted, so a crash or
// failure mid-enqueue can leave neither an orphaned blob nor a record
// pointing at a missing blob.
func (b *Buffer) Enqueue(ctx context.Context, entityType string, rec Record, blobs []BlobUpload) (PendingEntry, error) {
	rec = rec.Clone()
	rec.EntityType = entityType
	if rec.LocalID == "" {
		rec.LocalID = uuid.New().String()
	}

	written := make([]string, 0, len(blobs))
	for i, blob := range blobs {
		key := fmt.Sprintf("%s/%d", rec.LocalID, i)
		if err := b.blobs.Put(key, blob.Kind, blob.Data); err != nil {
			b.deleteBlobs(written)
			return PendingEntry{}, fmt.Errorf("failed to store attachment: %w", err)
		}
		written = append(written, key)
		rec.Media = append(rec.Media, MediaRef{Kind: blob.Kind, LocalKey: key, Pending: true})
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		b.deleteBlobs(written)
		return PendingEntry{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO pending_records (entity_type, local_id, record)
		VALUES (?, ?, ?)
	`, entityType, rec.LocalID, string(payload))
	if err != nil {
		b.deleteBlobs(written)
		return PendingEntry{}, fmt.Errorf("failed to enqueue record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return PendingEntry{}, fmt.Errorf("failed to read assigned seq: %w", err)
	}

	entry := PendingEntry{Seq: seq, EntityType: entityType, Record: rec, QueuedAt: time.Now().UTC()}
	b.notify()
	return entry, nil
}

// List returns all buffered entries for one entity type in insertion order.
func (b *Buffer) List(ctx context.Context, entityType string) ([]PendingEntry, error) {
	return b.query(ctx, `
		SELECT seq, entity_type, record, queued_at
		FROM pending_records WHERE entity_type = ? ORDER BY seq
	`, entityType)
}

// All returns every buffered entry across entity types, ordered by seq.
func (b *Buffer) All(ctx context.Context) ([]PendingEntry, error) {
	return b.query(ctx, `
		SELECT seq, entity_type, record, queued_at
		FROM pending_records ORDER BY seq
	`)
}

func (b *Buffer) query(ctx context.Context, q string, args ...any) ([]PendingEntry, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var entries []PendingEntry
	for rows.Next() {
		var entry PendingEntry
		var payload, queuedAt string
		if err := rows.Scan(&entry.Seq, &entry.EntityType, &payload, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending record: %w", err)
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999Z", queuedAt); err == nil {
			entry.QueuedAt = t
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending records: %w", err)
	}
	return entries, nil
}

// Remove deletes one entry and its attachments.
func (b *Buffer) Remove(ctx context.Context, entityType, localID string) error {
	var payload string
	err := b.db.QueryRowContext(ctx, `
		SELECT record FROM pending_records WHERE entity_type = ? AND local_id = ?
	`, entityType, localID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPendingNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load pending record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return fmt.Errorf("failed to unmarshal pending record: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, `
		DELETE FROM pending_records WHERE entity_type = ? AND local_id = ?
	`, entityType, localID); err != nil {
		return fmt.Errorf("failed to remove pending record: %w", err)
	}

	// Row is gone; blob deletion failures leave unreferenced blobs at worst.
	for _, ref := range rec.Media {
		if ref.LocalKey == "" {
			continue
		}
		if err := b.blobs.Delete(ref.LocalKey); err != nil {
			b.logger.Warn("failed to delete attachment for removed record",
				"local_id", localID, "key", ref.LocalKey, "error", err)
		}
	}

	b.notify()
	return nil
}

// OnChange registers a listener invoked after every content change and
// returns an unsubscribe function.
func (b *Buffer) OnChange(listener func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Buffer) notify() {
	b.mu.Lock()
	listeners := make([]func(), 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (b *Buffer) deleteBlobs(keys []string) {
	for _, key := range keys {
		if err := b.blobs.Delete(key); err != nil {
			b.logger.Warn("failed to roll back attachment", "key", key, "error", err)
		}
	}
}
