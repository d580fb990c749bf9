// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luchoconter/agromonitor-ai-sub000/fieldsync"
)

func testDataset(ownerID string, n int) *fieldsync.Snapshot {
	recs := make([]fieldsync.Record, n)
	for i := range recs {
		recs[i] = fieldsync.Record{
			EntityType: fieldsync.EntitySamples,
			Fields:     map[string]any{"plot_id": i},
		}
	}
	return &fieldsync.Snapshot{
		OwnerID:    ownerID,
		Entities:   map[string][]fieldsync.Record{fieldsync.EntitySamples: recs},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestBroadcasterDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster()

	ch1, cancel1 := b.Subscribe("owner-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("owner-1")
	defer cancel2()
	chOther, cancelOther := b.Subscribe("owner-2")
	defer cancelOther()

	snap := testDataset("owner-1", 1)
	b.Publish("owner-1", snap)

	require.Same(t, snap, <-ch1)
	require.Same(t, snap, <-ch2)
	select {
	case got := <-chOther:
		t.Fatalf("owner-2 subscriber received owner-1 dataset: %v", got)
	default:
	}
}

func TestBroadcasterCoalescesSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("owner-1")
	defer cancel()

	b.Publish("owner-1", testDataset("owner-1", 1))
	b.Publish("owner-1", testDataset("owner-1", 2))
	latest := testDataset("owner-1", 3)
	b.Publish("owner-1", latest)

	// Only the most recent dataset is pending.
	require.Same(t, latest, <-ch)
	select {
	case got := <-ch:
		t.Fatalf("expected no further delivery, got %v", got)
	default:
	}
}

func TestBroadcasterCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("owner-1")
	require.Equal(t, 1, b.SubscriberCount("owner-1"))

	cancel()
	require.Equal(t, 0, b.SubscriberCount("owner-1"))

	_, open := <-ch
	require.False(t, open)

	// Double cancel is harmless, publish after cancel is a no-op.
	cancel()
	b.Publish("owner-1", testDataset("owner-1", 1))
}

func TestBroadcasterPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Publish("owner-1", testDataset("owner-1", 1))
	require.Equal(t, 0, b.SubscriberCount("owner-1"))
}
