package cache

import (
	"sync"
	"testing"

	"github.com/rayforge/lineagecache/gcs"
	"github.com/rayforge/lineagecache/lineage"
	"github.com/rayforge/lineagecache/task"
)

// countingStore is a MetadataStore that records call counts but never
// invokes callbacks on its own; tests deliver commits explicitly via
// LineageCache.HandleEntryCommitted, matching how every scenario below
// is phrased ("deliver handle_entry_committed(X)").
type countingStore struct {
	mu         sync.Mutex
	asyncAdds  map[task.TaskId]int
	subscribes map[task.TaskId]int
	unsubs     map[task.TaskId]int
}

func newCountingStore() *countingStore {
	return &countingStore{
		asyncAdds:  make(map[task.TaskId]int),
		subscribes: make(map[task.TaskId]int),
		unsubs:     make(map[task.TaskId]int),
	}
}

func (s *countingStore) AsyncAdd(id task.TaskId, _ []byte, _ gcs.OnAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asyncAdds[id]++
}

func (s *countingStore) Subscribe(id task.TaskId, _ gcs.OnCommit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes[id]++
}

func (s *countingStore) Unsubscribe(id task.TaskId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs[id]++
}

func (s *countingStore) count(m map[task.TaskId]int, id task.TaskId) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[id]
}

func mustTask(t *testing.T, id task.TaskId, parents ...task.TaskId) task.Task {
	t.Helper()
	args := make([]task.ObjectId, len(parents))
	for i, p := range parents {
		args[i] = task.NewObjectId(p, 0)
	}
	return task.NewTask(task.NewSpec(id, args, []task.ObjectId{task.NewObjectId(id, 0)}))
}

func assertHasExactly(t *testing.T, lin *lineage.Lineage, ids ...task.TaskId) {
	t.Helper()
	if lin.Len() != len(ids) {
		t.Fatalf("lineage has %d entries, want %d", lin.Len(), len(ids))
	}
	for _, id := range ids {
		if !lin.Has(id) {
			t.Fatalf("expected lineage to contain %s", id)
		}
	}
}

// TestS1FlushOfReadyTaskFlushesOnlyThatTask covers a chain A -> B -> C
// where only the root is promoted to ready.
func TestS1FlushOfReadyTaskFlushesOnlyThatTask(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	idA := task.NewRandomTaskId()
	a := mustTask(t, idA)
	idB := task.NewRandomTaskId()
	b := mustTask(t, idB, idA)
	idC := task.NewRandomTaskId()
	cc := mustTask(t, idC, idB)

	c.AddWaitingTask(a, nil)
	c.AddWaitingTask(b, nil)
	c.AddWaitingTask(cc, nil)

	c.AddReadyTask(a)

	if got := store.count(store.asyncAdds, idA); got != 1 {
		t.Fatalf("async_add(A) called %d times, want 1", got)
	}
	if got := store.count(store.asyncAdds, idB); got != 0 {
		t.Fatalf("async_add(B) should not be issued yet, got %d", got)
	}
	if got := store.count(store.asyncAdds, idC); got != 0 {
		t.Fatalf("async_add(C) should not be issued yet, got %d", got)
	}
	if got := c.GetLineage().Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
}

// TestS2EvictionWaitsOnAncestors drives the same chain through the full
// commit sequence, in ancestor-last order, and checks the chain only
// evicts once the root commits.
func TestS2EvictionWaitsOnAncestors(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	idA := task.NewRandomTaskId()
	a := mustTask(t, idA)
	idB := task.NewRandomTaskId()
	b := mustTask(t, idB, idA)
	idC := task.NewRandomTaskId()
	cc := mustTask(t, idC, idB)

	c.AddWaitingTask(a, nil)
	c.AddWaitingTask(b, nil)
	c.AddWaitingTask(cc, nil)
	c.AddReadyTask(a)
	c.AddReadyTask(b)
	c.AddReadyTask(cc)

	c.HandleEntryCommitted(idC)
	if got := c.GetLineage().Len(); got != 3 {
		t.Fatalf("C committing alone should not evict anything, Len() = %d", got)
	}

	c.HandleEntryCommitted(idB)
	if got := c.GetLineage().Len(); got != 3 {
		t.Fatalf("B committing with A still uncommitted should not evict anything, Len() = %d", got)
	}

	c.HandleEntryCommitted(idA)
	if got := c.GetLineage().Len(); got != 0 {
		t.Fatalf("committing the root should cascade-evict the whole chain, Len() = %d", got)
	}
	if got := c.GetLineage().ChildrenLen(); got != 0 {
		t.Fatalf("children map should be empty once entries is empty, ChildrenLen() = %d", got)
	}
}

// TestS3ForwardingPrunesPreviouslyShippedAncestors checks that marking a
// chain forwarded to a peer prunes it from later lineage queries aimed
// at that same peer, but not at a different one.
func TestS3ForwardingPrunesPreviouslyShippedAncestors(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	idA := task.NewRandomTaskId()
	a := mustTask(t, idA)
	idB := task.NewRandomTaskId()
	b := mustTask(t, idB, idA)
	idC := task.NewRandomTaskId()
	cc := mustTask(t, idC, idB)

	c.AddWaitingTask(a, nil)
	c.AddWaitingTask(b, nil)
	c.AddWaitingTask(cc, nil)

	peer1 := task.NewRandomNodeId()
	peer2 := task.NewRandomNodeId()
	noPrune := task.NodeId{}

	full := c.GetUncommittedLineageOrDie(idC, noPrune)
	assertHasExactly(t, full, idA, idB, idC)

	c.MarkSubsetForwarded(full, peer1)

	prunedForPeer1 := c.GetUncommittedLineageOrDie(idC, peer1)
	assertHasExactly(t, prunedForPeer1, idC)

	stillFullForPeer2 := c.GetUncommittedLineageOrDie(idC, peer2)
	assertHasExactly(t, stillFullForPeer2, idA, idB, idC)
}

// TestS4MaxLineageSubscription removes a chain of 11 one task at a time
// (simulating each being forwarded) and checks every id is subscribed
// exactly once, then drains commits in reverse order.
func TestS4MaxLineageSubscription(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 10)

	const n = 11
	ids := make([]task.TaskId, n)
	var prev task.TaskId
	for i := 0; i < n; i++ {
		ids[i] = task.NewRandomTaskId()
		var tk task.Task
		if i == 0 {
			tk = mustTask(t, ids[i])
		} else {
			tk = mustTask(t, ids[i], prev)
		}
		prev = ids[i]
		c.AddWaitingTask(tk, nil)
	}

	for _, id := range ids {
		if !c.RemoveWaitingTask(id) {
			t.Fatalf("remove_waiting_task(%s) should succeed", id)
		}
	}

	for _, id := range ids {
		if got := store.count(store.subscribes, id); got != 1 {
			t.Fatalf("subscribe(%s) called %d times, want exactly 1", id, got)
		}
	}

	for i := n - 1; i >= 0; i-- {
		c.HandleEntryCommitted(ids[i])
	}

	if got := c.GetLineage().Len(); got != 0 {
		t.Fatalf("entries should be empty, got %d", got)
	}
	if got := c.GetLineage().ChildrenLen(); got != 0 {
		t.Fatalf("children should be empty, got %d", got)
	}
}

// TestS5ManyParentsOneChild inserts ten independent parents before their
// fan-in child, then checks that the child only evicts after its last
// parent commits, and that every intermediate parent commit shrinks the
// cache by exactly one entry.
func TestS5ManyParentsOneChild(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	const numParents = 10
	pIDs := make([]task.TaskId, numParents)
	for i := range pIDs {
		pIDs[i] = task.NewRandomTaskId()
		c.AddWaitingTask(mustTask(t, pIDs[i]), nil)
	}
	idC := task.NewRandomTaskId()
	cc := mustTask(t, idC, pIDs...)

	c.AddReadyTask(cc)
	c.HandleEntryCommitted(idC)

	for i, pID := range pIDs {
		c.AddReadyTask(mustTask(t, pID))

		sizeBefore := c.GetLineage().Len()
		c.HandleEntryCommitted(pID)
		sizeAfter := c.GetLineage().Len()

		if i < len(pIDs)-1 {
			if !c.GetLineage().Has(idC) {
				t.Fatalf("C evicted before every parent committed (after P%d)", i)
			}
			if delta := sizeBefore - sizeAfter; delta != 1 {
				t.Fatalf("size decreased by %d after P%d committed, want 1", delta, i)
			}
		} else if c.GetLineage().Has(idC) {
			t.Fatalf("C should be evicted once the final parent commits")
		}
	}
}

// TestS6ForwardRoundTripPreservesLineage repeatedly captures, removes,
// serializes, deserializes and re-adds each task in a chain, and checks
// no entries are lost along the way.
func TestS6ForwardRoundTripPreservesLineage(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	const n = 11
	ids := make([]task.TaskId, n)
	tasks := make([]task.Task, n)
	for i := 0; i < n; i++ {
		ids[i] = task.NewRandomTaskId()
		if i == 0 {
			tasks[i] = mustTask(t, ids[i])
		} else {
			tasks[i] = mustTask(t, ids[i], ids[i-1])
		}
		c.AddWaitingTask(tasks[i], nil)
	}

	noPrune := task.NodeId{}
	for i := 0; i < n; i++ {
		lin := c.GetUncommittedLineageOrDie(ids[i], noPrune)
		if !c.RemoveWaitingTask(ids[i]) {
			t.Fatalf("remove_waiting_task(%d) should succeed", i)
		}

		data, err := lin.SerializeSubset(ids[i])
		if err != nil {
			t.Fatalf("SerializeSubset(%d): %v", i, err)
		}
		carry := lineage.New()
		if _, _, err := carry.DeserializeAndMerge(data); err != nil {
			t.Fatalf("DeserializeAndMerge(%d): %v", i, err)
		}
		c.AddWaitingTask(tasks[i], carry)
	}

	if got := c.GetLineage().Len(); got != n {
		t.Fatalf("final entry count = %d, want %d", got, n)
	}
}

func TestInvariantChildrenEmptyIffEntriesEmpty(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	if c.GetLineage().Len() != 0 || c.GetLineage().ChildrenLen() != 0 {
		t.Fatalf("fresh cache should have empty entries and children")
	}

	idA := task.NewRandomTaskId()
	a := mustTask(t, idA)
	idB := task.NewRandomTaskId()
	b := mustTask(t, idB, idA)
	c.AddWaitingTask(a, nil)
	c.AddWaitingTask(b, nil)

	if c.GetLineage().ChildrenLen() == 0 {
		t.Fatalf("children map should be nonempty once an entry with a parent exists")
	}
}

func TestGetUncommittedLineageOrDiePanicsOnMissingRoot(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic for a task not present in the cache")
		}
		if _, ok := r.(*PreconditionViolation); !ok {
			t.Fatalf("expected a *PreconditionViolation panic, got %T", r)
		}
	}()
	c.GetUncommittedLineageOrDie(task.NewRandomTaskId(), task.NodeId{})
}

func TestHandleEntryCommittedIsIdempotent(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	idA := task.NewRandomTaskId()
	c.AddReadyTask(mustTask(t, idA))

	c.HandleEntryCommitted(idA)
	if c.GetLineage().Has(idA) {
		t.Fatalf("A should be evicted after its own commit; it has no parents")
	}

	// A second, duplicate delivery must be a silent no-op, not a panic
	// or a double eviction accounting error.
	c.HandleEntryCommitted(idA)
}

// TestEvictedParentWithNoKnownDescendantsStaysGoneForLaterChildren covers
// the steady-state forwarding case: a parent commits and evicts before
// this cache has ever heard of any of its descendants (because
// GetUncommittedLineageOrDie only ever ships ancestors that are
// currently present, §4.1/§4.6, so a later-arriving descendant's older
// ancestors routinely were never carried at all). Such a parent must
// not become a permanent block on a child declared afterward.
func TestEvictedParentWithNoKnownDescendantsStaysGoneForLaterChildren(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	idA := task.NewRandomTaskId()
	c.AddReadyTask(mustTask(t, idA))
	c.HandleEntryCommitted(idA)
	if c.GetLineage().Has(idA) {
		t.Fatalf("A should already be evicted: it has no parents and was just committed")
	}

	idD := task.NewRandomTaskId()
	d := mustTask(t, idD, idA)
	c.AddWaitingTask(d, nil)
	c.AddReadyTask(d)

	if got := store.count(store.asyncAdds, idD); got != 1 {
		t.Fatalf("async_add(D) called %d times, want 1 (A is absent, presumed already committed)", got)
	}

	c.HandleEntryCommitted(idD)
	if c.GetLineage().Has(idD) {
		t.Fatalf("D should evict once committed: its only parent A was never present in this cache")
	}
}

// TestRelinquishedParentBlocksUntilItsOwnCommitArrives covers the
// companion case: a parent that *this* cache actually held, then handed
// off via RemoveWaitingTask while still uncommitted, must still block a
// child's eviction until that parent's own commit is observed.
func TestRelinquishedParentBlocksUntilItsOwnCommitArrives(t *testing.T) {
	store := newCountingStore()
	c := New(task.NewRandomNodeId(), store, 0)

	idA := task.NewRandomTaskId()
	c.AddWaitingTask(mustTask(t, idA), nil)
	if ok := c.RemoveWaitingTask(idA); !ok {
		t.Fatalf("RemoveWaitingTask(A) = false, want true")
	}

	idD := task.NewRandomTaskId()
	d := mustTask(t, idD, idA)
	c.AddWaitingTask(d, nil)
	c.AddReadyTask(d)
	c.HandleEntryCommitted(idD)
	if !c.GetLineage().Has(idD) {
		t.Fatalf("D must not evict: its relinquished parent A has not committed yet")
	}

	c.HandleEntryCommitted(idA)
	if c.GetLineage().Has(idD) {
		t.Fatalf("D should evict once its relinquished parent A finally commits")
	}
}
