package service

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// keyedLocks serialises mutations per memory id so concurrent writers to the
// same memory never interleave, while writers to different memories proceed
// in parallel. Entries are refcounted and dropped once idle.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[uuid.UUID]*lockEntry)}
}

// Lock acquires the mutex for id and returns its unlock func.
func (k *keyedLocks) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// LockAll acquires the mutexes for every id in a fixed global order so two
// multi-memory operations can never deadlock against each other.
func (k *keyedLocks) LockAll(ids []uuid.UUID) func() {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	unlocks := make([]func(), 0, len(sorted))
	seen := make(map[uuid.UUID]struct{}, len(sorted))
	for _, id := range sorted {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unlocks = append(unlocks, k.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
