// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package fieldstore is the remote half of agromonitor sync: a
// Postgres-backed document and binary store, scoped per data owner, that
// pushes the owner's complete dataset to live subscribers on every change.
package fieldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luchoconter/agromonitor-ai-sub000/fieldsync"
)

// ErrNotFound is returned for missing blobs.
var ErrNotFound = errors.New("not found")

// Datastore is the storage surface the HTTP handlers depend on.
type Datastore interface {
	SaveRecords(ctx context.Context, ownerID, entityType string, records []fieldsync.Record) ([]string, error)
	Dataset(ctx context.Context, ownerID string) (*fieldsync.Snapshot, error)
	PutBlob(ctx context.Context, ownerID, key, kind string, data []byte) (string, error)
	GetBlob(ctx context.Context, ownerID, key string) (string, []byte, error)
	DeleteBlob(ctx context.Context, ownerID, key string) error
}

// Store implements Datastore on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates the store and initializes its schema.
func NewStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS field_records (
			record_id   UUID PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			local_id    TEXT NOT NULL DEFAULT '',
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS field_records_owner_idx
			ON field_records (owner_id, entity_type, created_at)`,
		// Idempotency gate for retried uploads: one row per client record.
		`CREATE UNIQUE INDEX IF NOT EXISTS field_records_local_idx
			ON field_records (owner_id, entity_type, local_id) WHERE local_id <> ''`,
		`CREATE TABLE IF NOT EXISTS field_blobs (
			owner_id   TEXT NOT NULL,
			blob_key   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, blob_key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize fieldstore schema: %w", err)
		}
	}
	return nil
}

// SaveRecords writes a batch of records atomically and returns the assigned
// record ids. Writes are idempotent on the client-assigned local id: an
// upload retried after a lost response hits the unique index and gets its
// original record id back instead of creating a second copy.
func (s *Store) SaveRecords(ctx context.Context, ownerID, entityType string, records []fieldsync.Record) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id := uuid.New()
		rec.RemoteID = id.String()
		rec.EntityType = entityType
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record payload: %w", err)
		}

		if rec.LocalID == "" {
			// No client id to key idempotency on; plain insert.
			if _, err := tx.Exec(ctx, `
				INSERT INTO field_records (record_id, owner_id, entity_type, local_id, payload)
				VALUES ($1, $2, $3, '', $4)
			`, id, ownerID, entityType, payload); err != nil {
				return nil, fmt.Errorf("failed to insert record: %w", err)
			}
			ids = append(ids, id.String())
			continue
		}

		// The no-op DO UPDATE makes RETURNING yield the surviving row's id
		// whether this insert won or an earlier upload already did.
		var assigned string
		if err := tx.QueryRow(ctx, `
			INSERT INTO field_records (record_id, owner_id, entity_type, local_id, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (owner_id, entity_type, local_id) WHERE local_id <> ''
			DO UPDATE SET local_id = field_records.local_id
			RETURNING record_id::text
		`, id, ownerID, entityType, rec.LocalID, payload).Scan(&assigned); err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		ids = append(ids, assigned)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit records: %w", err)
	}
	return ids, nil
}

// Dataset loads the owner's complete dataset grouped by entity type, in
// creation order.
func (s *Store) Dataset(ctx context.Context, ownerID string) (*fieldsync.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, payload
		FROM field_records
		WHERE owner_id = $1
		ORDER BY created_at, record_id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset: %w", err)
	}
	defer rows.Close()

	snap := &fieldsync.Snapshot{
		OwnerID:  ownerID,
		Entities: make(map[string][]fieldsync.Record),
	}
	for rows.Next() {
		var entityType string
		var payload []byte
		if err := rows.Scan(&entityType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec fieldsync.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record payload: %w", err)
		}
		snap.Entities[entityType] = append(snap.Entities[entityType], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset: %w", err)
	}
	snap.ReceivedAt = time.Now().UTC()
	return snap, nil
}

// PutBlob stores attachment bytes by key and returns the durable URL path it
// will be served from.
func (s *Store) PutBlob(ctx context.Context, ownerID, key, kind string, data []byte) (string, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO field_blobs (owner_id, blob_key, kind, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, blob_key) DO UPDATE SET kind = $3, data = $4
	`, ownerID, key, kind, data)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return blobURL(ownerID, key), nil
}

// GetBlob returns the kind and bytes for one stored attachment.
func (s *Store) GetBlob(ctx context.Context, ownerID, key string) (string, []byte, error) {
	var kind string
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT kind, data FROM field_blobs WHERE owner_id = $1 AND blob_key = $2
	`, ownerID, key).Scan(&kind, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return kind, data, nil
}

// blobURL renders the canonical retrieval path for a stored attachment.
// Clients persist this into the record's media reference after upload.
func blobURL(ownerID, key string) string {
	q := url.Values{}
	q.Set("owner", ownerID)
	q.Set("key", key)
	return "/v1/blobs?" + q.Encode()
}

// DeleteBlob removes one stored attachment by reference.
func (s *Store) DeleteBlob(ctx context.Context, ownerID, key string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM field_blobs WHERE owner_id = $1 AND blob_key = $2
	`, ownerID, key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
