// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrBlobNotFound is returned when no blob exists for the requested key.
var ErrBlobNotFound = errors.New("blob not found")

var (
	blobDataBucket = []byte("blob_data")
	blobMetaBucket = []byte("blob_meta")
)

// BlobInfo describes a stored attachment.
type BlobInfo struct {
	Key      string    `json:"key"`
	Kind     MediaKind `json:"kind"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// BlobStore is a durable local store for binary attachments (photos, audio)
// captured while offline, keyed by locally-generated record id. Entries live
// from capture time until the owning record's upload completes.
type BlobStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// BlobStoreOption configures a BlobStore.
type BlobStoreOption func(*BlobStore)

// WithBlobLogger sets the logger for the store.
func WithBlobLogger(logger *slog.Logger) BlobStoreOption {
	return func(b *BlobStore) {
		b.logger = logger
	}
}

// WithBlobNow sets the time function for testing.
func WithBlobNow(now func() time.Time) BlobStoreOption {
	return func(b *BlobStore) {
		b.now = now
	}
}

// OpenBlobStore opens (creating if needed) the attachment store at path.
func OpenBlobStore(path string, opts ...BlobStoreOption) (*BlobStore, error) {
	b := &BlobStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobDataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(blobMetaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize blob buckets: %w", err)
	}
	b.db = db
	return b, nil
}

// Put stores data under key, replacing any previous entry.
func (b *BlobStore) Put(key string, kind MediaKind, data []byte) error {
	info := BlobInfo{
		Key:      key,
		Kind:     kind,
		Size:     int64(len(data)),
		StoredAt: b.now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal blob meta: %w", err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(blobDataBucket).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(blobMetaBucket).Put([]byte(key), meta)
	})
	if err != nil {
		return fmt.Errorf("failed to store blob %s: %w", key, err)
	}
	return nil
}

// Get returns the blob data and metadata for key.
func (b *BlobStore) Get(key string) (BlobInfo, []byte, error) {
	var info BlobInfo
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(blobMetaBucket).Get([]byte(key))
		raw := tx.Bucket(blobDataBucket).Get([]byte(key))
		if meta == nil || raw == nil {
			return ErrBlobNotFound
		}
		if err := json.Unmarshal(meta, &info); err != nil {
			return fmt.Errorf("failed to unmarshal blob meta: %w", err)
		}
		data = make([]byte, len(raw))
		copy(data, raw)
		return nil
	})
	if err != nil {
		return BlobInfo{}, nil, err
	}
	return info, data, nil
}

// Delete removes the blob for key. Deleting a missing key is not an error.
func (b *BlobStore) Delete(key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(blobDataBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(blobMetaBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// Len reports the number of stored blobs, used for diagnostics.
func (b *BlobStore) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(blobMetaBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (b *BlobStore) Close() error {
	return b.db.Close()
}
