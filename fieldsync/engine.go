// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the engine configuration for one signed-in data owner.
type Config struct {
	OwnerID       string
	KeySpecs      map[string]KeySpec
	SafetyTimeout time.Duration // unblocks the loading state if the first delivery is late
}

// DefaultConfig returns the default engine configuration for ownerID.
func DefaultConfig(ownerID string) *Config {
	return &Config{
		OwnerID:       ownerID,
		KeySpecs:      DefaultKeySpecs(),
		SafetyTimeout: 4 * time.Second,
	}
}

// Dataset is the versioned merged dataset consumed by the UI. Loading is true
// only until the first delivery (remote or cached) or the safety timer.
// Offline and PermissionDenied classify the last subscription error; the
// entities themselves always hold the last coherent merge regardless.
type Dataset struct {
	Entities         map[string][]Record
	Version          int64
	Loading          bool
	Offline          bool
	PermissionDenied bool
}

// Engine owns the session state for one data owner: it wires the remote
// subscription and the pending-write buffer into the merge pass, persists
// snapshots into the cold-start cache, and exposes the merged dataset as an
// explicitly versioned value. UI code never mutates engine state directly.
type Engine struct {
	cfg      *Config
	buffer   *Buffer
	cache    *SnapshotCache
	remote   RemoteStore
	uploader *Uploader
	logger   *slog.Logger

	// mergeMu serializes merge passes; the buffer observer and the
	// subscription callback may fire in either order or interleaved.
	mergeMu sync.Mutex
	// purging suppresses the buffer observer while a merge pass removes
	// confirmed/superseded entries, the same way a sync client suppresses its
	// own triggers while materializing server state.
	purging atomic.Bool

	mu       sync.RWMutex
	state    Dataset
	lastSnap *Snapshot

	stopSub   func()
	unsubBuf  func()
	safety    *time.Timer
	closeOnce sync.Once
}

// NewEngine assembles an engine from its storage and transport parts.
func NewEngine(cfg *Config, buffer *Buffer, cache *SnapshotCache, blobs *BlobStore, remote RemoteStore, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("config.OwnerID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		buffer:   buffer,
		cache:    cache,
		remote:   remote,
		uploader: NewUploader(cfg.OwnerID, buffer, blobs, remote, logger),
		logger:   logger,
		state:    Dataset{Entities: map[string][]Record{}, Loading: true},
	}, nil
}

// Start performs the cold-start sequence and opens the live subscription:
// a fresh-enough cached snapshot is merged into state immediately so the UI
// has something to render, then every remote delivery supersedes it.
func (e *Engine) Start(ctx context.Context) error {
	if cached, err := e.cache.Load(ctx, e.cfg.OwnerID); err != nil {
		// Cache is best-effort on both ends; cold start proceeds without it.
		e.logger.Warn("failed to load snapshot cache", "owner_id", e.cfg.OwnerID, "error", err)
	} else if cached != nil {
		e.logger.Info("cold start from cached snapshot",
			"owner_id", e.cfg.OwnerID, "saved_entities", len(cached.Entities))
		e.applySnapshot(ctx, cached, false)
	}

	e.unsubBuf = e.buffer.OnChange(func() {
		if e.purging.Load() {
			return
		}
		e.remerge(context.Background())
	})

	stop, err := e.remote.Subscribe(ctx, e.cfg.OwnerID, e.onSnapshot, e.onSubscribeError)
	if err != nil {
		return fmt.Errorf("failed to open subscription: %w", err)
	}
	e.stopSub = stop

	if e.cfg.SafetyTimeout > 0 {
		e.safety = time.AfterFunc(e.cfg.SafetyTimeout, func() {
			e.mu.Lock()
			if e.state.Loading {
				e.state.Loading = false
				e.state.Version++
				e.logger.Info("safety timer cleared loading state before first delivery")
			}
			e.mu.Unlock()
		})
	}
	return nil
}

// Dataset returns a copy of the current merged dataset. Records are cloned
// so a consumer annotating what it renders cannot reach back into engine
// state.
func (e *Engine) Dataset() Dataset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.state
	out.Entities = make(map[string][]Record, len(e.state.Entities))
	for entity, recs := range e.state.Entities {
		cp := make([]Record, len(recs))
		for i, rec := range recs {
			cp[i] = rec.Clone()
		}
		out.Entities[entity] = cp
	}
	return out
}

// ProcessUploadQueue drains the pending-write buffer. Triggers are explicit:
// call it on connectivity-restored, on app foreground, and from a periodic
// fallback.
func (e *Engine) ProcessUploadQueue(ctx context.Context) error {
	return e.uploader.ProcessQueue(ctx)
}

// Enqueue stores an offline-created record; the buffer observer re-merges so
// the record shows up in the dataset immediately.
func (e *Engine) Enqueue(ctx context.Context, entityType string, rec Record, blobs []BlobUpload) (PendingEntry, error) {
	return e.buffer.Enqueue(ctx, entityType, rec, blobs)
}

// ResolveMedia produces transient renderable references for records whose
// media still lives in the local blob store.
func (e *Engine) ResolveMedia(ctx context.Context, records []Record) *ResolveSession {
	return NewMediaResolver(e.uploader.blobs, e.logger).Resolve(ctx, records)
}

// Close cancels the subscription, the buffer observer, and the safety timer.
// The last merged dataset stays readable.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.safety != nil {
			e.safety.Stop()
		}
		if e.stopSub != nil {
			e.stopSub()
		}
		if e.unsubBuf != nil {
			e.unsubBuf()
		}
	})
}

// onSnapshot handles one live delivery: persist to cache off the critical
// path, then merge.
func (e *Engine) onSnapshot(snap *Snapshot) {
	ctx := context.Background()

	// Fire-and-forget cache write; its failure must not delay the UI update.
	go func() {
		if err := e.cache.Save(ctx, snap); err != nil {
			e.logger.Warn("best-effort snapshot cache save failed", "error", err)
		}
	}()

	e.applySnapshot(ctx, snap, true)
}

// onSubscribeError classifies the failure and keeps the existing dataset; the
// UI falls back to cached/local data with a non-fatal indicator.
func (e *Engine) onSubscribeError(err error) {
	permission := isPermissionDenied(err)
	if permission {
		e.logger.Error("subscription rejected", "owner_id", e.cfg.OwnerID, "error", err)
	} else {
		e.logger.Warn("subscription offline", "owner_id", e.cfg.OwnerID, "error", err)
	}

	e.mu.Lock()
	e.state.Loading = false
	e.state.Offline = !permission
	e.state.PermissionDenied = permission
	e.state.Version++
	e.mu.Unlock()
}

// applySnapshot stores the snapshot as the authoritative remote dataset and
// runs a merge pass. live distinguishes a push delivery from a cache load.
func (e *Engine) applySnapshot(ctx context.Context, snap *Snapshot, live bool) {
	e.mu.Lock()
	e.lastSnap = snap
	e.mu.Unlock()
	e.remergeWith(ctx, snap, live)
}

// remerge re-runs the merge with the latest known snapshot, e.g. after a
// buffer change notification.
func (e *Engine) remerge(ctx context.Context) {
	e.mu.RLock()
	snap := e.lastSnap
	live := !e.state.Offline && !e.state.Loading
	e.mu.RUnlock()
	e.remergeWith(ctx, snap, live)
}

func (e *Engine) remergeWith(ctx context.Context, snap *Snapshot, live bool) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	pending, err := e.buffer.All(ctx)
	if err != nil {
		e.logger.Error("failed to read pending buffer for merge", "error", err)
		return
	}

	result := Merge(snap, pending, e.cfg.KeySpecs, e.logger)

	// Entries confirmed by the remote snapshot and retry duplicates are
	// removed outright so they are never uploaded again. The merge result
	// already excludes them, so the buffer observer stays suppressed while
	// they go.
	e.purging.Store(true)
	defer e.purging.Store(false)
	for _, ref := range result.Confirmed {
		if err := e.buffer.Remove(ctx, ref.EntityType, ref.LocalID); err != nil && !errors.Is(err, ErrPendingNotFound) {
			e.logger.Warn("failed to purge confirmed entry", "ref", ref.String(), "error", err)
		}
	}
	for _, ref := range result.Superseded {
		if err := e.buffer.Remove(ctx, ref.EntityType, ref.LocalID); err != nil && !errors.Is(err, ErrPendingNotFound) {
			e.logger.Warn("failed to purge superseded entry", "ref", ref.String(), "error", err)
		}
	}
	if n := len(result.Confirmed) + len(result.Superseded); n > 0 {
		e.logger.Info("deduplicated pending entries", "confirmed", len(result.Confirmed),
			"superseded", len(result.Superseded))
	}

	e.mu.Lock()
	e.state.Entities = result.Entities
	e.state.Version++
	e.state.Loading = false
	if live {
		e.state.Offline = false
		e.state.PermissionDenied = false
	}
	e.mu.Unlock()
}

func isPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
