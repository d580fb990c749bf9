// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/luchoconter/agromonitor-ai-sub000/fieldsync"
	"github.com/luchoconter/agromonitor-ai-sub000/internal/auth"
)

// maxBlobBytes bounds a single attachment upload.
const maxBlobBytes = 32 << 20

// Handlers provides the HTTP surface of the fieldstore: batched record
// writes, attachment upload/serve/delete, full-dataset reads, and the live
// owner-scoped subscription stream.
type Handlers struct {
	store         Datastore
	broadcaster   *Broadcaster
	authenticator Authenticator
	logger        *slog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(store Datastore, broadcaster *Broadcaster, authenticator Authenticator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:         store,
		broadcaster:   broadcaster,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Mux returns a ServeMux with all fieldstore routes registered.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/records", h.HandleRecords)
	mux.HandleFunc("/v1/blobs", h.HandleBlobs)
	mux.HandleFunc("/v1/dataset", h.HandleDataset)
	mux.HandleFunc("/v1/subscribe", h.HandleSubscribe)
	return mux
}

// authorize authenticates the request and resolves the effective owner id.
// A request may name an owner explicitly (?owner=...); it must then match the
// token owner, otherwise the request is rejected as a permission error rather
// than an authentication one.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, err := h.authenticator.OwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	deviceID, _ := h.authenticator.DeviceID(r)

	if requested := r.URL.Query().Get("owner"); requested != "" && requested != ownerID {
		h.writeError(w, http.StatusForbidden, "permission_denied",
			fmt.Sprintf("token owner is not permitted to access owner %q", requested))
		return "", false
	}

	*r = *r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{
		OwnerID:  ownerID,
		DeviceID: deviceID,
	}))
	return ownerID, true
}

// saveRecordsRequest is the wire format for batched record writes.
type saveRecordsRequest struct {
	EntityType string             `json:"entity_type"`
	Records    []fieldsync.Record `json:"records"`
}

// HandleRecords processes batched record writes and pushes the owner's
// refreshed dataset to subscribers.
func (h *Handlers) HandleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req saveRecordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse save request")
		return
	}
	if req.EntityType == "" || len(req.Records) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "entity_type and records are required")
		return
	}

	ids, err := h.store.SaveRecords(r.Context(), ownerID, req.EntityType, req.Records)
	if err != nil {
		h.logger.Error("failed to save records", "owner_id", ownerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "save_failed", "Failed to save records")
		return
	}

	h.publishDataset(r, ownerID)

	h.writeJSON(w, map[string]any{
		"record_ids": ids,
		"record_id":  ids[0],
	})
}

// HandleBlobs uploads, serves, or deletes one attachment depending on method.
func (h *Handlers) HandleBlobs(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "key is required")
		return
	}

	switch r.Method {
	case http.MethodPost:
		kind := r.URL.Query().Get("kind")
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobBytes+1))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read blob body")
			return
		}
		if len(data) > maxBlobBytes {
			h.writeError(w, http.StatusRequestEntityTooLarge, "blob_too_large", "Attachment exceeds size limit")
			return
		}
		url, err := h.store.PutBlob(r.Context(), ownerID, key, kind, data)
		if err != nil {
			h.logger.Error("failed to store blob", "owner_id", ownerID, "key", key, "error", err)
			h.writeError(w, http.StatusInternalServerError, "blob_failed", "Failed to store blob")
			return
		}
		h.writeJSON(w, map[string]any{"url": url})

	case http.MethodGet:
		kind, data, err := h.store.GetBlob(r.Context(), ownerID, key)
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "No such blob")
			return
		}
		if err != nil {
			h.logger.Error("failed to load blob", "owner_id", ownerID, "key", key, "error", err)
			h.writeError(w, http.StatusInternalServerError, "blob_failed", "Failed to load blob")
			return
		}
		w.Header().Set("Content-Type", contentTypeFor(kind))
		_, _ = w.Write(data)

	case http.MethodDelete:
		if err := h.store.DeleteBlob(r.Context(), ownerID, key); err != nil {
			h.logger.Error("failed to delete blob", "owner_id", ownerID, "key", key, "error", err)
			h.writeError(w, http.StatusInternalServerError, "blob_failed", "Failed to delete blob")
			return
		}
		h.writeJSON(w, map[string]any{"deleted": true})

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Unsupported method")
	}
}

// HandleDataset returns the owner's complete dataset.
func (h *Handlers) HandleDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	snap, err := h.store.Dataset(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to load dataset", "owner_id", ownerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "dataset_failed", "Failed to load dataset")
		return
	}
	h.writeJSON(w, snap)
}

// HandleSubscribe streams the owner's dataset over server-sent events: one
// event with the current dataset immediately, then one per change.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer cannot stream")
		return
	}

	ch, cancel := h.broadcaster.Subscribe(ownerID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap, err := h.store.Dataset(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to load initial dataset for subscriber",
			"owner_id", ownerID, "error", err)
		return
	}
	if err := writeSSE(w, flusher, snap); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, snap); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, snap *fieldsync.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// publishDataset pushes the owner's refreshed dataset to subscribers after a
// successful write. Failure to reload only degrades push freshness.
func (h *Handlers) publishDataset(r *http.Request, ownerID string) {
	snap, err := h.store.Dataset(r.Context(), ownerID)
	if err != nil {
		h.logger.Warn("failed to reload dataset for broadcast", "owner_id", ownerID, "error", err)
		return
	}
	h.broadcaster.Publish(ownerID, snap)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

func contentTypeFor(kind string) string {
	switch kind {
	case string(fieldsync.MediaPhoto):
		return "image/jpeg"
	case string(fieldsync.MediaAudio):
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
