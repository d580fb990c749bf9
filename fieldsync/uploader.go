// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Uploader drains the pending-write buffer against the remote store. For each
// entity type, entries are uploaded in local insertion order so that a record
// referencing a freshly-created parent from the same session arrives after it.
// Blobs go first; the record is written with durable URLs substituted in; on
// success the entry and its blobs are deleted locally. A failing entry is
// logged and left in place for the next run; one failure never blocks the
// rest of the queue, and the user's data is never dropped.
type Uploader struct {
	ownerID string
	buffer  *Buffer
	blobs   *BlobStore
	remote  RemoteStore
	logger  *slog.Logger

	// Re-entrancy guard: one drain at a time; triggers arriving mid-drain
	// coalesce into a single follow-up pass.
	mu      sync.Mutex
	running bool
	rerun   bool
}

// NewUploader creates an upload queue processor.
func NewUploader(ownerID string, buffer *Buffer, blobs *BlobStore, remote RemoteStore, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		ownerID: ownerID,
		buffer:  buffer,
		blobs:   blobs,
		remote:  remote,
		logger:  logger,
	}
}

// ProcessQueue drains the buffer once. It is idempotent and safe to invoke
// from any trigger (connectivity restored, app foregrounded, periodic
// fallback). An invocation that overlaps an in-flight drain schedules exactly
// one follow-up pass and returns immediately.
func (u *Uploader) ProcessQueue(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.rerun = true
		u.mu.Unlock()
		return nil
	}
	u.running = true
	u.mu.Unlock()

	for {
		err := u.drainOnce(ctx)

		u.mu.Lock()
		if u.rerun && err == nil && ctx.Err() == nil {
			u.rerun = false
			u.mu.Unlock()
			continue
		}
		u.running = false
		u.rerun = false
		u.mu.Unlock()
		return err
	}
}

// drainOnce walks every buffered entry in seq order. Only infrastructure
// failures (buffer unreadable, context cancelled) surface as errors; remote
// failures are per-entry and retried on the next trigger.
func (u *Uploader) drainOnce(ctx context.Context) error {
	entries, err := u.buffer.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending buffer: %w", err)
	}

	uploaded, failed := 0, 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := u.uploadEntry(ctx, entry); err != nil {
			failed++
			u.logger.Warn("upload failed, entry retained for retry",
				"entity_type", entry.EntityType, "local_id", entry.Record.LocalID,
				"seq", entry.Seq, "error", err)
			continue
		}
		uploaded++
	}
	if uploaded > 0 || failed > 0 {
		u.logger.Info("upload queue drained", "uploaded", uploaded, "failed", failed)
	}
	return nil
}

func (u *Uploader) uploadEntry(ctx context.Context, entry PendingEntry) error {
	rec := entry.Record.Clone()

	for i, ref := range rec.Media {
		if !ref.Pending || ref.LocalKey == "" {
			continue
		}
		_, data, err := u.blobs.Get(ref.LocalKey)
		if err != nil {
			return fmt.Errorf("failed to read attachment %s: %w", ref.LocalKey, err)
		}
		blobURL, err := u.remote.UploadBlob(ctx, u.ownerID, ref.LocalKey, ref.Kind, data)
		if err != nil {
			return fmt.Errorf("failed to upload attachment %s: %w", ref.LocalKey, err)
		}
		rec.Media[i].RemoteURL = blobURL
		rec.Media[i].Pending = false
	}

	remoteID, err := u.remote.PutRecord(ctx, u.ownerID, entry.EntityType, rec)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	// Confirmed remotely: drop the local copy. The next subscription delivery
	// carries the authoritative record, so the merge no longer needs it.
	if err := u.buffer.Remove(ctx, entry.EntityType, entry.Record.LocalID); err != nil {
		return fmt.Errorf("failed to remove uploaded entry: %w", err)
	}
	u.logger.Debug("record uploaded", "entity_type", entry.EntityType,
		"local_id", entry.Record.LocalID, "remote_id", remoteID)
	return nil
}
