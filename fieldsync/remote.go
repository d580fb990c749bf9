// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPermissionDenied reports that the remote store rejected the caller's
// credentials for the requested owner. It is surfaced distinctly and is not
// retried automatically.
var ErrPermissionDenied = errors.New("remote store: permission denied")

// RemoteStore is the remote document + binary store collaborator.
type RemoteStore interface {
	// Subscribe opens a live subscription scoped to ownerID. onData receives a
	// complete dataset on every remote change; onError receives connectivity
	// or permission failures. The returned stop function cancels the
	// subscription.
	Subscribe(ctx context.Context, ownerID string, onData func(*Snapshot), onError func(error)) (stop func(), err error)

	// PutRecord writes one record to the remote document store and returns
	// the server-assigned id.
	PutRecord(ctx context.Context, ownerID, entityType string, rec Record) (remoteID string, err error)

	// UploadBlob uploads attachment bytes and returns a durable URL.
	UploadBlob(ctx context.Context, ownerID, key string, kind MediaKind, data []byte) (blobURL string, err error)

	// DeleteBlob removes a previously uploaded attachment.
	DeleteBlob(ctx context.Context, ownerID, key string) error
}

// RemoteConfig configures the HTTP remote store client.
type RemoteConfig struct {
	BaseURL    string
	Token      func(context.Context) (string, error) // returns JWT
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultRemoteConfig returns the default client configuration.
func DefaultRemoteConfig(baseURL string, token func(context.Context) (string, error)) RemoteConfig {
	return RemoteConfig{
		BaseURL:    baseURL,
		Token:      token,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// HTTPRemote talks to a fieldstore server: JSON over HTTP for writes, a
// server-sent-events stream for the live dataset subscription.
type HTTPRemote struct {
	cfg    RemoteConfig
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPRemote creates a remote store client.
func NewHTTPRemote(cfg RemoteConfig, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		cfg:    cfg,
		http:   &http.Client{Timeout: 120 * time.Second},
		logger: logger,
	}
}

// Subscribe opens the SSE stream and redials with exponential backoff on
// connectivity failures. Permission rejections are reported once and end the
// subscription; everything else is treated as a transient network condition.
func (r *HTTPRemote) Subscribe(ctx context.Context, ownerID string, onData func(*Snapshot), onError func(error)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		backoff := r.cfg.BackoffMin
		for {
			err := r.streamOnce(subCtx, ownerID, onData)
			if subCtx.Err() != nil {
				return
			}
			if errors.Is(err, ErrPermissionDenied) {
				onError(err)
				return
			}
			if err != nil {
				onError(fmt.Errorf("subscription interrupted: %w", err))
			}
			select {
			case <-subCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.cfg.BackoffMax {
				backoff = r.cfg.BackoffMax
			}
		}
	}()
	return cancel, nil
}

// streamOnce holds one SSE connection open, dispatching a snapshot per event.
func (r *HTTPRemote) streamOnce(ctx context.Context, ownerID string, onData func(*Snapshot)) error {
	u := fmt.Sprintf("%s/v1/subscribe?owner=%s", r.cfg.BaseURL, url.QueryEscape(ownerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := r.authorize(ctx, req); err != nil {
		return err
	}

	// Streaming request: no client timeout, lifetime is bound to ctx.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrPermissionDenied
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() > 0 {
				var snap Snapshot
				if err := json.Unmarshal(data.Bytes(), &snap); err != nil {
					r.logger.Warn("failed to decode pushed snapshot", "error", err)
				} else {
					snap.ReceivedAt = time.Now().UTC()
					onData(&snap)
				}
				data.Reset()
			}
		}
		// Comment and id/event lines are ignored.
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("subscription stream closed: %w", err)
	}
	return errors.New("subscription stream ended")
}

// PutRecord writes one record to the remote document store.
func (r *HTTPRemote) PutRecord(ctx context.Context, ownerID, entityType string, rec Record) (string, error) {
	body, err := json.Marshal(map[string]any{
		"entity_type": entityType,
		"records":     []Record{rec},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	var out struct {
		RecordID string `json:"record_id"`
	}
	u := fmt.Sprintf("%s/v1/records?owner=%s", r.cfg.BaseURL, url.QueryEscape(ownerID))
	if err := r.doJSON(ctx, http.MethodPost, u, "application/json", body, &out); err != nil {
		return "", err
	}
	return out.RecordID, nil
}

// UploadBlob uploads attachment bytes to the remote binary store.
func (r *HTTPRemote) UploadBlob(ctx context.Context, ownerID, key string, kind MediaKind, data []byte) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	u := fmt.Sprintf("%s/v1/blobs?owner=%s&key=%s&kind=%s",
		r.cfg.BaseURL, url.QueryEscape(ownerID), url.QueryEscape(key), url.QueryEscape(string(kind)))
	if err := r.doJSON(ctx, http.MethodPost, u, "application/octet-stream", data, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// DeleteBlob removes an uploaded attachment.
func (r *HTTPRemote) DeleteBlob(ctx context.Context, ownerID, key string) error {
	u := fmt.Sprintf("%s/v1/blobs?owner=%s&key=%s",
		r.cfg.BaseURL, url.QueryEscape(ownerID), url.QueryEscape(key))
	return r.doJSON(ctx, http.MethodDelete, u, "", nil, nil)
}

func (r *HTTPRemote) doJSON(ctx context.Context, method, u, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := r.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrPermissionDenied
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (r *HTTPRemote) authorize(ctx context.Context, req *http.Request) error {
	if r.cfg.Token == nil {
		return nil
	}
	token, err := r.cfg.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
