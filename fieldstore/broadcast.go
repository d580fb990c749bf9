// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"sync"

	"github.com/luchoconter/agromonitor-ai-sub000/fieldsync"
)

// Broadcaster fans the owner's full dataset out to live subscribers after
// every successful write. Each subscriber channel holds at most one pending
// snapshot: a slow consumer sees the latest dataset, not an ever-growing
// backlog of intermediate ones.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[int]chan *fieldsync.Snapshot
	next int
}

// NewBroadcaster creates an empty subscriber registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[int]chan *fieldsync.Snapshot),
	}
}

// Subscribe registers a subscriber for ownerID and returns the delivery
// channel plus a cancel function that unregisters and closes it.
func (b *Broadcaster) Subscribe(ownerID string) (<-chan *fieldsync.Snapshot, func()) {
	ch := make(chan *fieldsync.Snapshot, 1)

	b.mu.Lock()
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[int]chan *fieldsync.Snapshot)
	}
	id := b.next
	b.next++
	b.subs[ownerID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[ownerID]; ok {
			if _, live := subs[id]; live {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, ownerID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers snap to every subscriber of ownerID, coalescing by
// replacing any undelivered previous snapshot.
func (b *Broadcaster) Publish(ownerID string, snap *fieldsync.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ownerID] {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers for diagnostics.
func (b *Broadcaster) SubscriberCount(ownerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[ownerID])
}
