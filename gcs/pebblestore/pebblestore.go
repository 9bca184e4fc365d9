// Package pebblestore is a durable MetadataStore backed by
// cockroachdb/pebble, the embedded key-value engine the teacher's own
// go.mod lists as its production storage backend. It is the GCS stand-in
// used by the demo CLI when a restart-surviving cache is wanted; tests
// use gcs/memstore instead for speed.
package pebblestore

import (
	"fmt"
	"sync"

	"github.com/JekaMas/workerpool"
	"github.com/cockroachdb/pebble"

	"github.com/rayforge/lineagecache/gcs"
	"github.com/rayforge/lineagecache/task"
)

// Store is a MetadataStore whose payloads are durably written to a
// Pebble database before on_ack fires. Commit notification for
// subscribers is still delivered in-process (this is a single-node
// demo store, not a replicated one — replication is out of scope per
// spec.md §1).
type Store struct {
	db   *pebble.DB
	pool *workerpool.WorkerPool

	mu       sync.Mutex
	watchers map[task.TaskId][]gcs.OnCommit
}

// Open opens (creating if necessary) a Pebble database at dir and
// returns a Store backed by it.
func Open(dir string, poolSize int) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Store{
		db:       db,
		pool:     workerpool.New(poolSize),
		watchers: make(map[task.TaskId][]gcs.OnCommit),
	}, nil
}

// Close flushes the pool and closes the underlying database.
func (s *Store) Close() error {
	s.pool.StopWait()
	return s.db.Close()
}

// AsyncAdd durably writes payload under id and invokes onAck (and any
// registered watchers) once the write is synced to disk.
func (s *Store) AsyncAdd(id task.TaskId, payload []byte, onAck gcs.OnAck) {
	s.pool.Submit(func() {
		key := id[:]
		if err := s.db.Set(key, payload, pebble.Sync); err != nil {
			// A failed write is not reported to anyone: the error is
			// dropped, onAck and the watchers are never invoked, and the
			// cache's entry stays in COMMITTING. There is no retry.
			return
		}
		s.notify(id)
		if onAck != nil {
			onAck(id)
		}
	})
}

// Subscribe requests notification when id is committed. If id is
// already durable in the database, onCommit fires immediately.
//
// The watcher is registered before the durability check runs, not after,
// so a concurrent AsyncAdd that durably writes id between the two steps
// still finds this watcher in the map and drains it via notify; checking
// db.Get first (and registering only on a miss) would let such a write
// land in the gap and never wake this subscriber.
func (s *Store) Subscribe(id task.TaskId, onCommit gcs.OnCommit) {
	s.mu.Lock()
	s.watchers[id] = append(s.watchers[id], onCommit)
	s.mu.Unlock()

	if _, closer, err := s.db.Get(id[:]); err == nil {
		closer.Close()
		s.pool.Submit(func() { s.notify(id) })
	}
}

// Unsubscribe drops all watchers registered for id.
func (s *Store) Unsubscribe(id task.TaskId) {
	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()
}

func (s *Store) notify(id task.TaskId) {
	s.mu.Lock()
	watchers := s.watchers[id]
	delete(s.watchers, id)
	s.mu.Unlock()

	for _, w := range watchers {
		if w != nil {
			w(id)
		}
	}
}
