// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecord(localID string, sampledAt int64, plotID, operatorID string) Record {
	return Record{
		LocalID:    localID,
		EntityType: EntitySamples,
		Fields: map[string]any{
			"sampled_at":  sampledAt,
			"plot_id":     plotID,
			"operator_id": operatorID,
		},
	}
}

func remoteSample(remoteID string, sampledAt int64, plotID, operatorID string) Record {
	rec := sampleRecord("", sampledAt, plotID, operatorID)
	rec.RemoteID = remoteID
	return rec
}

func TestMergeDropsPendingAlreadyInRemote(t *testing.T) {
	snap := &Snapshot{
		OwnerID: "owner-1",
		Entities: map[string][]Record{
			EntitySamples: {remoteSample("r1", 1000, "A", "U1")},
		},
	}
	pending := []PendingEntry{
		{Seq: 1, EntityType: EntitySamples, Record: sampleRecord("l1", 1000, "A", "U1")},
		{Seq: 2, EntityType: EntitySamples, Record: sampleRecord("l2", 2000, "A", "U1")},
	}

	result := Merge(snap, pending, DefaultKeySpecs(), nil)

	// Scenario from the sync contract: 2 items total, remote copy authoritative.
	require.Len(t, result.Entities[EntitySamples], 2)
	require.Equal(t, "r1", result.Entities[EntitySamples][0].RemoteID)
	require.Equal(t, "l2", result.Entities[EntitySamples][1].LocalID)

	require.Len(t, result.Confirmed, 1)
	require.Equal(t, "l1", result.Confirmed[0].LocalID)
	require.Empty(t, result.Superseded)
}

func TestMergeNoLoss(t *testing.T) {
	snap := &Snapshot{
		OwnerID: "owner-1",
		Entities: map[string][]Record{
			EntitySamples: {remoteSample("r1", 1000, "A", "U1")},
		},
	}
	pending := []PendingEntry{
		{Seq: 1, EntityType: EntitySamples, Record: sampleRecord("l1", 2000, "A", "U1")},
		{Seq: 2, EntityType: EntitySamples, Record: sampleRecord("l2", 3000, "B", "U2")},
		{Seq: 3, EntityType: EntityPrescriptions, Record: Record{
			LocalID:    "l3",
			EntityType: EntityPrescriptions,
			Fields:     map[string]any{"created_at": int64(500), "company_id": "C1", "field_id": "F1"},
		}},
	}

	result := Merge(snap, pending, DefaultKeySpecs(), nil)

	require.Len(t, result.Entities[EntitySamples], 3)
	require.Len(t, result.Entities[EntityPrescriptions], 1)
	require.Empty(t, result.Confirmed)
	require.Empty(t, result.Superseded)

	// Remote-first ordering, pending in seq order after it.
	require.Equal(t, "r1", result.Entities[EntitySamples][0].RemoteID)
	require.Equal(t, "l1", result.Entities[EntitySamples][1].LocalID)
	require.Equal(t, "l2", result.Entities[EntitySamples][2].LocalID)
}

func TestMergeNoDuplicateNaturalKeys(t *testing.T) {
	snap := &Snapshot{
		OwnerID: "owner-1",
		Entities: map[string][]Record{
			EntitySamples: {
				remoteSample("r1", 1000, "A", "U1"),
				remoteSample("r2", 2000, "A", "U1"),
			},
		},
	}
	pending := []PendingEntry{
		{Seq: 1, EntityType: EntitySamples, Record: sampleRecord("l1", 1000, "A", "U1")},
		{Seq: 2, EntityType: EntitySamples, Record: sampleRecord("l2", 2000, "A", "U1")},
	}

	result := Merge(snap, pending, DefaultKeySpecs(), nil)

	seen := map[string]int{}
	spec := DefaultKeySpecs()[EntitySamples]
	for _, rec := range result.Entities[EntitySamples] {
		key, ok := NaturalKey(rec, spec)
		require.True(t, ok)
		seen[key]++
	}
	for key, n := range seen {
		require.Equal(t, 1, n, "natural key %q appears %d times", key, n)
	}
	// The surviving copies are the remote ones.
	for _, rec := range result.Entities[EntitySamples] {
		require.NotEmpty(t, rec.RemoteID)
	}
}

func TestMergeLocalRetryDuplicateLaterSeqWins(t *testing.T) {
	snap := &Snapshot{OwnerID: "owner-1", Entities: map[string][]Record{}}
	pending := []PendingEntry{
		{Seq: 1, EntityType: EntitySamples, Record: sampleRecord("l1", 1000, "A", "U1")},
		{Seq: 2, EntityType: EntitySamples, Record: sampleRecord("l2", 1000, "A", "U1")},
	}

	result := Merge(snap, pending, DefaultKeySpecs(), nil)

	require.Len(t, result.Entities[EntitySamples], 1)
	require.Equal(t, "l2", result.Entities[EntitySamples][0].LocalID)
	require.Len(t, result.Superseded, 1)
	require.Equal(t, "l1", result.Superseded[0].LocalID)
	require.EqualValues(t, 1, result.Superseded[0].Seq)
}

func TestMergeKeepsRecordsWithMissingKeyFields(t *testing.T) {
	snap := &Snapshot{
		OwnerID: "owner-1",
		Entities: map[string][]Record{
			EntitySamples: {remoteSample("r1", 1000, "A", "U1")},
		},
	}
	// Missing operator_id: cannot dedupe, keep it.
	broken := Record{
		LocalID:    "l1",
		EntityType: EntitySamples,
		Fields:     map[string]any{"sampled_at": int64(1000), "plot_id": "A"},
	}
	pending := []PendingEntry{{Seq: 1, EntityType: EntitySamples, Record: broken}}

	result := Merge(snap, pending, DefaultKeySpecs(), nil)

	require.Len(t, result.Entities[EntitySamples], 2)
	require.Equal(t, 1, result.Unkeyed)
	require.Empty(t, result.Confirmed)
}

func TestMergeIdempotent(t *testing.T) {
	snap := &Snapshot{
		OwnerID: "owner-1",
		Entities: map[string][]Record{
			EntitySamples: {remoteSample("r1", 1000, "A", "U1")},
		},
	}
	pending := []PendingEntry{
		{Seq: 1, EntityType: EntitySamples, Record: sampleRecord("l1", 1000, "A", "U1")},
		{Seq: 2, EntityType: EntitySamples, Record: sampleRecord("l2", 2000, "A", "U1")},
	}

	first := Merge(snap, pending, DefaultKeySpecs(), nil)
	second := Merge(snap, pending, DefaultKeySpecs(), nil)
	require.Equal(t, first, second)
}

func TestMergeNilSnapshot(t *testing.T) {
	pending := []PendingEntry{
		{Seq: 1, EntityType: EntitySamples, Record: sampleRecord("l1", 1000, "A", "U1")},
	}
	result := Merge(nil, pending, DefaultKeySpecs(), nil)
	require.Len(t, result.Entities[EntitySamples], 1)
}

func TestNaturalKeyCrossesNumericEncodings(t *testing.T) {
	spec := DefaultKeySpecs()[EntitySamples]

	local := sampleRecord("l1", 1000, "A", "U1")
	// Same record after a JSON round trip decodes numbers as float64.
	wire := Record{
		EntityType: EntitySamples,
		Fields:     map[string]any{"sampled_at": float64(1000), "plot_id": "A", "operator_id": "U1"},
	}

	k1, ok := NaturalKey(local, spec)
	require.True(t, ok)
	k2, ok := NaturalKey(wire, spec)
	require.True(t, ok)
	require.Equal(t, k1, k2)
}
