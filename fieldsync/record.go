// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync provides the offline-first synchronization engine for
// agromonitor field data: a durable pending-write buffer for records captured
// while disconnected, a cold-start snapshot cache, a natural-key merge and
// deduplication pass, and an upload queue that drains buffered records (blobs
// first) to the remote store whenever connectivity allows.
package fieldsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Entity types that support offline creation.
const (
	EntitySamples       = "samples"
	EntityLotSummaries  = "lot_summaries"
	EntityPrescriptions = "prescriptions"
)

// MediaKind identifies the kind of a captured attachment.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaAudio MediaKind = "audio"
)

// MediaRef points at a record attachment. Post-upload it carries a durable
// remote URL; pre-upload it names an entry in the local blob store and is
// flagged Pending.
type MediaRef struct {
	Kind      MediaKind `json:"kind"`
	RemoteURL string    `json:"remote_url,omitempty"`
	LocalKey  string    `json:"local_key,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
}

// Record is one business entity (a monitoring sample, a lot-status summary,
// a prescription). RemoteID is server-assigned and empty until the record has
// been confirmed remotely; LocalID is client-generated at capture time.
// Fields holds the entity payload as delivered over the wire; per-entity
// schemas are owned by the forms layer and are opaque here except for the
// fields a KeySpec names.
type Record struct {
	LocalID    string         `json:"local_id,omitempty"`
	RemoteID   string         `json:"remote_id,omitempty"`
	EntityType string         `json:"entity_type"`
	Fields     map[string]any `json:"fields"`
	Media      []MediaRef     `json:"media,omitempty"`
}

// Clone returns a deep-enough copy: Fields and Media are copied one level so
// callers can annotate a returned record without mutating shared state.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	if r.Media != nil {
		out.Media = make([]MediaRef, len(r.Media))
		copy(out.Media, r.Media)
	}
	return out
}

// KeySpec names the payload fields whose values form an entity's natural key:
// a business-meaningful tuple that identifies the same logical fact on both
// sides of the local/remote boundary, independent of LocalID/RemoteID.
//
// The key is intentionally not widened with a client random component: it must
// be computable from fields that survive a round trip through the remote
// store. Two legitimate records sharing every key field (same second, same
// plot, same operator) therefore collide; that window is accepted.
type KeySpec struct {
	Fields []string
}

// DefaultKeySpecs returns the natural-key definitions for the entity types
// that support offline creation.
func DefaultKeySpecs() map[string]KeySpec {
	return map[string]KeySpec{
		EntitySamples:       {Fields: []string{"sampled_at", "plot_id", "operator_id"}},
		EntityLotSummaries:  {Fields: []string{"reported_at", "lot_id", "operator_id"}},
		EntityPrescriptions: {Fields: []string{"created_at", "company_id", "field_id"}},
	}
}

// NaturalKey derives the record's natural key under spec. ok is false when any
// key field is missing or has a non-scalar value; such records cannot be
// deduplicated and are kept as-is.
func NaturalKey(rec Record, spec KeySpec) (string, bool) {
	if len(spec.Fields) == 0 || rec.Fields == nil {
		return "", false
	}
	key := ""
	for i, f := range spec.Fields {
		v, present := rec.Fields[f]
		if !present {
			return "", false
		}
		part, ok := keyPart(v)
		if !ok {
			return "", false
		}
		if i > 0 {
			key += "\x1f"
		}
		key += part
	}
	return key, true
}

// keyPart renders a scalar payload value canonically so that a value decoded
// from JSON (float64) compares equal to the same value set natively (int64).
func keyPart(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		// JSON decoding turns whole numbers into float64; render them the
		// same as a native integer so keys match across encodings.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

// PendingEntry is a buffered record awaiting upload, ordered by the local
// sequence number the buffer assigned at enqueue time.
type PendingEntry struct {
	Seq        int64     `json:"seq"`
	EntityType string    `json:"entity_type"`
	Record     Record    `json:"record"`
	QueuedAt   time.Time `json:"queued_at"`
}

// PendingRef identifies one buffered entry for targeted removal.
type PendingRef struct {
	EntityType string
	LocalID    string
	Seq        int64
}

func (p PendingRef) String() string {
	return fmt.Sprintf("%s/%s(seq=%d)", p.EntityType, p.LocalID, p.Seq)
}

// Snapshot is the complete owner-scoped dataset as last delivered by the
// remote subscription. It is immutable once received and replaced wholesale
// on each push.
type Snapshot struct {
	OwnerID    string              `json:"owner_id"`
	Entities   map[string][]Record `json:"entities"`
	ReceivedAt time.Time           `json:"received_at"`
}
