// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"log/slog"
)

// ErrTransientRevoked is returned by TransientRef.Bytes after the owning
// resolver session has been revoked.
var ErrTransientRevoked = errors.New("transient media reference revoked")

// TransientRef is a short-lived, locally-renderable handle to attachment
// bytes, distinct from a durable remote URL. It becomes unusable once the
// resolver session that produced it is revoked.
type TransientRef struct {
	Kind    MediaKind
	data    []byte
	revoked *atomic.Bool
}

// Bytes returns the attachment bytes, or ErrTransientRevoked after disposal.
func (t *TransientRef) Bytes() ([]byte, error) {
	if t.revoked.Load() {
		return nil, ErrTransientRevoked
	}
	return t.data, nil
}

// ResolvedRecord pairs a record with transient handles for its pending media,
// indexed parallel to Record.Media (nil where no local resolution applies).
type ResolvedRecord struct {
	Record Record
	Media  []*TransientRef
}

// MediaResolver substitutes transient locally-renderable references for media
// fields that still point at the blob store. Each Resolve call returns a
// session whose Revoke invalidates every handle it produced; callers revoke
// whenever the input list is replaced or the consuming view goes away.
type MediaResolver struct {
	blobs  *BlobStore
	logger *slog.Logger
}

// NewMediaResolver creates a resolver over the local blob store.
func NewMediaResolver(blobs *BlobStore, logger *slog.Logger) *MediaResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaResolver{blobs: blobs, logger: logger}
}

// ResolveSession holds the handles produced by one Resolve call.
type ResolveSession struct {
	Records []ResolvedRecord
	revoked *atomic.Bool
	done    chan struct{}
}

// Done is closed once every pending attachment has been resolved. Until then
// each entry's Record is readable but its Media handles may still be nil, so
// the record renders without media.
func (s *ResolveSession) Done() <-chan struct{} {
	return s.done
}

// Revoke invalidates all transient references produced by this session.
// Revoking twice is harmless.
func (s *ResolveSession) Revoke() {
	s.revoked.Store(true)
}

// Resolve fetches blob-store bytes for every record whose media is still
// pending offline. The session returns immediately with every record in
// place; resolution runs in the background and records render without media
// until Done. A failure on one record is logged and leaves that record
// without media rather than failing the list. No record is ever dropped.
func (m *MediaResolver) Resolve(ctx context.Context, records []Record) *ResolveSession {
	session := &ResolveSession{
		Records: make([]ResolvedRecord, len(records)),
		revoked: &atomic.Bool{},
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	for i, rec := range records {
		session.Records[i] = ResolvedRecord{Record: rec}
		if !hasPendingMedia(rec) {
			continue
		}
		wg.Add(1)
		go func(i int, rec Record) {
			defer wg.Done()
			session.Records[i].Media = m.resolveOne(ctx, rec, session.revoked)
		}(i, rec)
	}
	go func() {
		wg.Wait()
		close(session.done)
	}()
	return session
}

func (m *MediaResolver) resolveOne(ctx context.Context, rec Record, revoked *atomic.Bool) []*TransientRef {
	refs := make([]*TransientRef, len(rec.Media))
	for i, ref := range rec.Media {
		if !ref.Pending || ref.LocalKey == "" {
			continue
		}
		if ctx.Err() != nil {
			return refs
		}
		_, data, err := m.blobs.Get(ref.LocalKey)
		if err != nil {
			m.logger.Warn("failed to resolve media, record shown without it",
				"local_id", rec.LocalID, "key", ref.LocalKey, "error", err)
			continue
		}
		refs[i] = &TransientRef{Kind: ref.Kind, data: data, revoked: revoked}
	}
	return refs
}

func hasPendingMedia(rec Record) bool {
	for _, ref := range rec.Media {
		if ref.Pending && ref.LocalKey != "" {
			return true
		}
	}
	return false
}
