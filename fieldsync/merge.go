// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"log/slog"
)

// MergeResult is the output of one merge pass.
//
// Entities holds the merged dataset per entity type: remote records first in
// their delivered order, surviving pending records appended after them in seq
// order, so already-synced records display with their authoritative
// server-assigned attributes.
//
// Confirmed lists pending entries whose natural key was found in the remote
// snapshot: the remote copy supersedes them and the caller should remove them
// from the buffer. Superseded lists pending entries that lost a local-vs-local
// key collision (a retry duplicate); these too must be removed outright so
// they are never uploaded.
type MergeResult struct {
	Entities   map[string][]Record
	Confirmed  []PendingRef
	Superseded []PendingRef
	Unkeyed    int // entries kept without deduplication (missing key fields)
}

// Merge combines a remote snapshot with the current pending-write buffer into
// one logical dataset, suppressing entries that are the same fact appearing in
// both sources. It is pure and deterministic given its inputs: re-running with
// identical inputs yields structurally equal output, and it never fails. A
// record whose key fields are missing simply cannot be deduplicated and is
// kept.
func Merge(snap *Snapshot, pending []PendingEntry, keys map[string]KeySpec, logger *slog.Logger) MergeResult {
	if logger == nil {
		logger = slog.Default()
	}
	result := MergeResult{Entities: make(map[string][]Record)}

	remoteKeys := make(map[string]map[string]struct{})
	if snap != nil {
		for entity, recs := range snap.Entities {
			out := make([]Record, len(recs))
			copy(out, recs)
			result.Entities[entity] = out

			spec, hasSpec := keys[entity]
			if !hasSpec {
				continue
			}
			lookup := make(map[string]struct{}, len(recs))
			for _, rec := range recs {
				if key, ok := NaturalKey(rec, spec); ok {
					lookup[key] = struct{}{}
				}
			}
			remoteKeys[entity] = lookup
		}
	}

	// Surviving pending entries per entity, keyed for local-vs-local dedup.
	type survivor struct {
		entry PendingEntry
		key   string
		keyed bool
	}
	surviving := make(map[string][]survivor)
	byKey := make(map[string]map[string]int) // entity -> key -> index into surviving

	for _, entry := range pending {
		ref := PendingRef{EntityType: entry.EntityType, LocalID: entry.Record.LocalID, Seq: entry.Seq}

		spec, hasSpec := keys[entry.EntityType]
		key, keyed := "", false
		if hasSpec {
			key, keyed = NaturalKey(entry.Record, spec)
		}
		if hasSpec && !keyed {
			logger.Warn("pending record missing natural-key fields, keeping without dedup",
				"entity_type", entry.EntityType, "local_id", entry.Record.LocalID)
			result.Unkeyed++
		}

		if keyed {
			if _, exists := remoteKeys[entry.EntityType][key]; exists {
				// Already synced: the authoritative remote copy wins.
				logger.Debug("deduplicated pending record against remote snapshot",
					"entity_type", entry.EntityType, "local_id", entry.Record.LocalID, "seq", entry.Seq)
				result.Confirmed = append(result.Confirmed, ref)
				continue
			}
			if idx, exists := byKey[entry.EntityType][key]; exists {
				// Retry duplicate: later seq wins, earlier is superseded.
				prev := surviving[entry.EntityType][idx]
				result.Superseded = append(result.Superseded, PendingRef{
					EntityType: prev.entry.EntityType,
					LocalID:    prev.entry.Record.LocalID,
					Seq:        prev.entry.Seq,
				})
				surviving[entry.EntityType][idx] = survivor{entry: entry, key: key, keyed: true}
				continue
			}
		}

		surviving[entry.EntityType] = append(surviving[entry.EntityType], survivor{entry: entry, key: key, keyed: keyed})
		if keyed {
			if byKey[entry.EntityType] == nil {
				byKey[entry.EntityType] = make(map[string]int)
			}
			byKey[entry.EntityType][key] = len(surviving[entry.EntityType]) - 1
		}
	}

	for entity, svs := range surviving {
		for _, sv := range svs {
			result.Entities[entity] = append(result.Entities[entity], sv.entry.Record)
		}
	}
	return result
}
