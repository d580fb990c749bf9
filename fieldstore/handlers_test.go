// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luchoconter/agromonitor-ai-sub000/fieldsync"
)

// stubStore implements Datastore in memory so handler tests run without
// Postgres.
type stubStore struct {
	records map[string]map[string][]fieldsync.Record // ownerID -> entityType -> records
	byLocal map[string]string                        // owner/entity/localID -> assigned record id
	blobs   map[string]map[string][]byte             // ownerID -> key -> data
	kinds   map[string]map[string]string
	nextID  int
	failSet bool
}

func newStubStore() *stubStore {
	return &stubStore{
		records: make(map[string]map[string][]fieldsync.Record),
		byLocal: make(map[string]string),
		blobs:   make(map[string]map[string][]byte),
		kinds:   make(map[string]map[string]string),
	}
}

func (s *stubStore) SaveRecords(_ context.Context, ownerID, entityType string, records []fieldsync.Record) ([]string, error) {
	if s.failSet {
		return nil, fmt.Errorf("save unavailable")
	}
	if s.records[ownerID] == nil {
		s.records[ownerID] = make(map[string][]fieldsync.Record)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		localKey := ownerID + "/" + entityType + "/" + rec.LocalID
		if rec.LocalID != "" {
			if id, ok := s.byLocal[localKey]; ok {
				ids = append(ids, id)
				continue
			}
		}
		s.nextID++
		rec.RemoteID = fmt.Sprintf("rid-%d", s.nextID)
		rec.EntityType = entityType
		s.records[ownerID][entityType] = append(s.records[ownerID][entityType], rec)
		if rec.LocalID != "" {
			s.byLocal[localKey] = rec.RemoteID
		}
		ids = append(ids, rec.RemoteID)
	}
	return ids, nil
}

func (s *stubStore) Dataset(_ context.Context, ownerID string) (*fieldsync.Snapshot, error) {
	snap := &fieldsync.Snapshot{
		OwnerID:    ownerID,
		Entities:   make(map[string][]fieldsync.Record),
		ReceivedAt: time.Now().UTC(),
	}
	for entityType, recs := range s.records[ownerID] {
		snap.Entities[entityType] = append([]fieldsync.Record(nil), recs...)
	}
	return snap, nil
}

func (s *stubStore) PutBlob(_ context.Context, ownerID, key, kind string, data []byte) (string, error) {
	if s.blobs[ownerID] == nil {
		s.blobs[ownerID] = make(map[string][]byte)
		s.kinds[ownerID] = make(map[string]string)
	}
	s.blobs[ownerID][key] = data
	s.kinds[ownerID][key] = kind
	return blobURL(ownerID, key), nil
}

func (s *stubStore) GetBlob(_ context.Context, ownerID, key string) (string, []byte, error) {
	data, ok := s.blobs[ownerID][key]
	if !ok {
		return "", nil, ErrNotFound
	}
	return s.kinds[ownerID][key], data, nil
}

func (s *stubStore) DeleteBlob(_ context.Context, ownerID, key string) error {
	delete(s.blobs[ownerID], key)
	return nil
}

type handlerFixture struct {
	handlers *Handlers
	store    *stubStore
	bcast    *Broadcaster
	jwt      *JWTAuth
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := newStubStore()
	bcast := NewBroadcaster()
	jwtAuth := NewJWTAuth("test-secret")
	return &handlerFixture{
		handlers: NewHandlers(store, bcast, NewBearerAuthenticator(jwtAuth), nil),
		store:    store,
		bcast:    bcast,
		jwt:      jwtAuth,
	}
}

func (f *handlerFixture) token(t *testing.T, ownerID string) string {
	t.Helper()
	token, err := f.jwt.GenerateToken(ownerID, "device-1", time.Hour)
	require.NoError(t, err)
	return token
}

func authedRequest(t *testing.T, method, target, token string, body []byte) *http.Request {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestHandlersRejectMissingToken(t *testing.T) {
	f := newHandlerFixture(t)
	w := httptest.NewRecorder()
	f.handlers.Mux().ServeHTTP(w, authedRequest(t, http.MethodGet, "/v1/dataset", "", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "authentication_failed", resp["error"])
}

func TestHandlersRejectForeignOwner(t *testing.T) {
	f := newHandlerFixture(t)
	w := httptest.NewRecorder()
	req := authedRequest(t, http.MethodGet, "/v1/dataset?owner=owner-2", f.token(t, "owner-1"), nil)
	f.handlers.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "permission_denied", resp["error"])
}

func TestHandleRecordsSavesAndBroadcasts(t *testing.T) {
	f := newHandlerFixture(t)
	ch, cancel := f.bcast.Subscribe("owner-1")
	defer cancel()

	body, err := json.Marshal(saveRecordsRequest{
		EntityType: fieldsync.EntitySamples,
		Records: []fieldsync.Record{
			{Fields: map[string]any{"plot_id": "p1", "operator_id": "op1"}},
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := authedRequest(t, http.MethodPost, "/v1/records?owner=owner-1", f.token(t, "owner-1"), body)
	f.handlers.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		RecordIDs []string `json:"record_ids"`
		RecordID  string   `json:"record_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.RecordIDs, 1)
	require.Equal(t, resp.RecordIDs[0], resp.RecordID)

	require.Len(t, f.store.records["owner-1"][fieldsync.EntitySamples], 1)

	select {
	case snap := <-ch:
		require.Equal(t, "owner-1", snap.OwnerID)
		require.Len(t, snap.Entities[fieldsync.EntitySamples], 1)
	case <-time.After(time.Second):
		t.Fatal("no dataset broadcast after record save")
	}
}

func TestHandleRecordsRepeatedUploadKeepsOneCopy(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.token(t, "owner-1")
	mux := f.handlers.Mux()

	body, err := json.Marshal(saveRecordsRequest{
		EntityType: fieldsync.EntitySamples,
		Records: []fieldsync.Record{
			{LocalID: "local-1", Fields: map[string]any{"plot_id": "p1"}},
		},
	})
	require.NoError(t, err)

	// Same upload twice, as a client retries after a lost response.
	var ids []string
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, authedRequest(t, http.MethodPost, "/v1/records", token, body))
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			RecordID string `json:"record_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		ids = append(ids, resp.RecordID)
	}

	require.Equal(t, ids[0], ids[1])
	require.Len(t, f.store.records["owner-1"][fieldsync.EntitySamples], 1)
}

func TestHandleRecordsValidation(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.token(t, "owner-1")
	mux := f.handlers.Mux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodGet, "/v1/records", token, nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodPost, "/v1/records", token, []byte(`{"entity_type":"","records":[]}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodPost, "/v1/records", token, []byte(`not json`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecordsStorageFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.failSet = true

	body, err := json.Marshal(saveRecordsRequest{
		EntityType: fieldsync.EntitySamples,
		Records:    []fieldsync.Record{{Fields: map[string]any{"plot_id": "p1"}}},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.handlers.Mux().ServeHTTP(w, authedRequest(t, http.MethodPost, "/v1/records", f.token(t, "owner-1"), body))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleBlobsLifecycle(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.token(t, "owner-1")
	mux := f.handlers.Mux()
	payload := []byte("jpeg bytes")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodPost, "/v1/blobs?key=s1/0&kind=photo", token, payload))
	require.Equal(t, http.StatusOK, w.Code)
	var upload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &upload))
	require.Contains(t, upload["url"], "/v1/blobs?")
	require.Contains(t, upload["url"], "owner-1")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodGet, "/v1/blobs?key=s1/0", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	require.Equal(t, payload, w.Body.Bytes())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodDelete, "/v1/blobs?key=s1/0", token, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, authedRequest(t, http.MethodGet, "/v1/blobs?key=s1/0", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleBlobsRequiresKey(t *testing.T) {
	f := newHandlerFixture(t)
	w := httptest.NewRecorder()
	f.handlers.Mux().ServeHTTP(w, authedRequest(t, http.MethodPost, "/v1/blobs", f.token(t, "owner-1"), []byte("x")))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDatasetReturnsOwnerData(t *testing.T) {
	f := newHandlerFixture(t)
	_, err := f.store.SaveRecords(context.Background(), "owner-1", fieldsync.EntitySamples,
		[]fieldsync.Record{{Fields: map[string]any{"plot_id": "p1"}}})
	require.NoError(t, err)
	_, err = f.store.SaveRecords(context.Background(), "owner-2", fieldsync.EntitySamples,
		[]fieldsync.Record{{Fields: map[string]any{"plot_id": "p9"}}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.handlers.Mux().ServeHTTP(w, authedRequest(t, http.MethodGet, "/v1/dataset", f.token(t, "owner-1"), nil))

	require.Equal(t, http.StatusOK, w.Code)
	var snap fieldsync.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Equal(t, "owner-1", snap.OwnerID)
	require.Len(t, snap.Entities[fieldsync.EntitySamples], 1)
	require.Equal(t, "p1", snap.Entities[fieldsync.EntitySamples][0].Fields["plot_id"])
}

func TestHandleSubscribeStreamsInitialDataset(t *testing.T) {
	f := newHandlerFixture(t)
	_, err := f.store.SaveRecords(context.Background(), "owner-1", fieldsync.EntitySamples,
		[]fieldsync.Record{{Fields: map[string]any{"plot_id": "p1"}}})
	require.NoError(t, err)

	srv := httptest.NewServer(f.handlers.Mux())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "owner-1"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Read the initial event without waiting for the stream to end.
	buf := make([]byte, 64<<10)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	event := string(buf[:n])
	require.True(t, strings.HasPrefix(event, "data: "))

	var snap fieldsync.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(event, "data: "))), &snap))
	require.Equal(t, "owner-1", snap.OwnerID)
	require.Len(t, snap.Entities[fieldsync.EntitySamples], 1)
}
