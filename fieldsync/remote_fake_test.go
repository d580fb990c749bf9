// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeRemote is an in-memory RemoteStore with controllable failures and a
// manual push channel, standing in for a fieldstore server.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string][]Record // entityType -> stored records
	byLocal map[string]string   // entityType/localID -> assigned remote id
	blobs   map[string][]byte
	nextID  int

	failPut      map[string]bool // localID -> fail PutRecord outright
	loseResponse map[string]bool // localID -> store the record, then report a network error once
	putDelay     time.Duration
	putCalls     map[string]int // localID -> PutRecord invocations
	subscriber   struct {
		onData  func(*Snapshot)
		onError func(error)
	}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:      make(map[string][]Record),
		byLocal:      make(map[string]string),
		blobs:        make(map[string][]byte),
		failPut:      make(map[string]bool),
		loseResponse: make(map[string]bool),
		putCalls:     make(map[string]int),
	}
}

func (f *fakeRemote) Subscribe(ctx context.Context, ownerID string, onData func(*Snapshot), onError func(error)) (func(), error) {
	f.mu.Lock()
	f.subscriber.onData = onData
	f.subscriber.onError = onError
	f.mu.Unlock()
	return func() {}, nil
}

// push delivers a snapshot to the registered subscriber.
func (f *fakeRemote) push(snap *Snapshot) {
	f.mu.Lock()
	onData := f.subscriber.onData
	f.mu.Unlock()
	if onData != nil {
		onData(snap)
	}
}

// pushError delivers a subscription error to the registered subscriber.
func (f *fakeRemote) pushError(err error) {
	f.mu.Lock()
	onError := f.subscriber.onError
	f.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (f *fakeRemote) PutRecord(ctx context.Context, ownerID, entityType string, rec Record) (string, error) {
	if f.putDelay > 0 {
		select {
		case <-time.After(f.putDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls[rec.LocalID]++
	if f.failPut[rec.LocalID] {
		return "", errors.New("simulated write failure")
	}

	// Idempotent on the client-assigned local id, like the fieldstore upsert:
	// a retried upload gets the originally assigned id back.
	localKey := entityType + "/" + rec.LocalID
	if rec.LocalID != "" {
		if id, ok := f.byLocal[localKey]; ok {
			return id, nil
		}
	}

	f.nextID++
	rec.RemoteID = fmt.Sprintf("srv-%d", f.nextID)
	rec.EntityType = entityType
	f.records[entityType] = append(f.records[entityType], rec)
	if rec.LocalID != "" {
		f.byLocal[localKey] = rec.RemoteID
	}

	if f.loseResponse[rec.LocalID] {
		f.loseResponse[rec.LocalID] = false
		return "", errors.New("connection reset before response")
	}
	return rec.RemoteID, nil
}

func (f *fakeRemote) UploadBlob(ctx context.Context, ownerID, key string, kind MediaKind, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
	return "https://store.example.com/blobs/" + key, nil
}

func (f *fakeRemote) DeleteBlob(ctx context.Context, ownerID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

// snapshot builds a Snapshot of everything stored so far, as the server's
// next push delivery would.
func (f *fakeRemote) snapshot(ownerID string) *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	entities := make(map[string][]Record, len(f.records))
	for entity, recs := range f.records {
		cp := make([]Record, len(recs))
		copy(cp, recs)
		entities[entity] = cp
	}
	return &Snapshot{OwnerID: ownerID, Entities: entities, ReceivedAt: time.Now().UTC()}
}
