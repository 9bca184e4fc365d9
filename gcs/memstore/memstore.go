// Package memstore is an in-process MetadataStore used by tests and the
// demo CLI: durability is simulated by a worker-pool hop rather than a
// disk write, but the async-add/subscribe contract (spec.md §4.2) is
// honored faithfully, including unordered, possibly-duplicate delivery
// (spec.md §4.2, §8 property 7).
package memstore

import (
	"sync"

	"github.com/JekaMas/workerpool"
	"golang.org/x/sync/singleflight"

	"github.com/rayforge/lineagecache/gcs"
	"github.com/rayforge/lineagecache/task"
)

// Store is a MetadataStore backed by a bounded worker pool instead of a
// durable disk or cluster write. Every AsyncAdd and commit notification
// is dispatched from the pool, never from the caller's goroutine, so
// tests genuinely exercise the "on_ack arrives later" contract instead
// of observing a same-stack callback.
type Store struct {
	mu        sync.Mutex
	committed map[task.TaskId]bool
	watchers  map[task.TaskId][]gcs.OnCommit
	armed     map[task.TaskId]bool

	pool *workerpool.WorkerPool
	sf   singleflight.Group
}

// New returns a Store whose commit simulation runs on a pool of
// poolSize workers.
func New(poolSize int) *Store {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Store{
		committed: make(map[task.TaskId]bool),
		watchers:  make(map[task.TaskId][]gcs.OnCommit),
		armed:     make(map[task.TaskId]bool),
		pool:      workerpool.New(poolSize),
	}
}

// Close waits for in-flight work to finish and stops the pool.
func (s *Store) Close() {
	s.pool.StopWait()
}

// AsyncAdd simulates a durable write by hopping onto the worker pool,
// marking id committed, and then firing onAck plus any commit watchers
// registered for id.
func (s *Store) AsyncAdd(id task.TaskId, _ []byte, onAck gcs.OnAck) {
	s.pool.Submit(func() {
		s.markCommitted(id)
		if onAck != nil {
			onAck(id)
		}
	})
}

// Subscribe requests notification when id is committed by any writer.
// If id is already committed, onCommit fires (from the pool) right
// away. The "arm" step — first-subscriber bookkeeping — is deduplicated
// across concurrently racing callers via singleflight so that n
// concurrent Subscribe(id, ...) calls only check/prime shared state
// once; every caller's own onCommit is still registered individually.
func (s *Store) Subscribe(id task.TaskId, onCommit gcs.OnCommit) {
	s.sf.Do(id.String()+"/arm", func() (any, error) {
		s.mu.Lock()
		s.armed[id] = true
		s.mu.Unlock()
		return nil, nil
	})

	s.mu.Lock()
	alreadyCommitted := s.committed[id]
	if !alreadyCommitted {
		s.watchers[id] = append(s.watchers[id], onCommit)
	}
	s.mu.Unlock()

	if alreadyCommitted && onCommit != nil {
		s.pool.Submit(func() { onCommit(id) })
	}
}

// Unsubscribe is a best-effort cancellation: it drops all watchers
// registered for id.
func (s *Store) Unsubscribe(id task.TaskId) {
	s.mu.Lock()
	delete(s.watchers, id)
	delete(s.armed, id)
	s.mu.Unlock()
}

func (s *Store) markCommitted(id task.TaskId) {
	s.mu.Lock()
	s.committed[id] = true
	watchers := s.watchers[id]
	delete(s.watchers, id)
	s.mu.Unlock()

	for _, w := range watchers {
		if w != nil {
			w(id)
		}
	}
}
