// Package lineage implements the keyed entry store and parent/child
// adjacency index described in spec.md §3–§4.1: the arena-plus-id
// strategy spec.md §9 calls for, with a reverse index that may outlive
// the entries it was built from.
package lineage

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rayforge/lineagecache/task"
)

// Lineage is a keyed collection of Entries plus a parent->children
// reverse adjacency index. It is not safe for concurrent use; the
// owning cache is responsible for serializing access (spec.md §5).
type Lineage struct {
	entries map[task.TaskId]*Entry

	// children maps a parent TaskId to the set of TaskIds that declare it
	// as a parent. children MAY contain keys for parents no longer
	// present in entries (spec.md §3) -- that is how outstanding
	// ancestry is tracked after an entry is popped.
	children map[task.TaskId]mapset.Set[task.TaskId]
}

// New returns an empty Lineage.
func New() *Lineage {
	return &Lineage{
		entries:  make(map[task.TaskId]*Entry),
		children: make(map[task.TaskId]mapset.Set[task.TaskId]),
	}
}

// Len returns the number of entries currently present.
func (l *Lineage) Len() int { return len(l.entries) }

// ChildrenLen returns the number of parent buckets in the adjacency
// index, used to check testable property 4 (spec.md §8). Lineage itself
// removes a bucket only in DropChildrenBucket, so after PopEntry this can
// be nonzero while Len is zero.
func (l *Lineage) ChildrenLen() int { return len(l.children) }

// GetEntry looks up the entry for id, or nil if absent.
func (l *Lineage) GetEntry(id task.TaskId) *Entry {
	return l.entries[id]
}

// Has reports whether id is currently present in entries.
func (l *Lineage) Has(id task.TaskId) bool {
	_, ok := l.entries[id]
	return ok
}

// GetChildren returns the (possibly empty) set of TaskIds that declare
// parent as one of their argument-derived parents. The returned set is
// a defensive copy.
func (l *Lineage) GetChildren(parent task.TaskId) mapset.Set[task.TaskId] {
	if s, ok := l.children[parent]; ok {
		return s.Clone()
	}
	return mapset.NewThreadUnsafeSet[task.TaskId]()
}

// recordEdges adds t.ID() to the children bucket of every parent t
// declares, derived exclusively from t's argument ObjectIds (spec.md
// §3, §4.1). Called only when an entry is newly inserted.
func (l *Lineage) recordEdges(t task.Task) {
	id := t.ID()
	for _, parent := range t.Spec.Parents() {
		bucket, ok := l.children[parent]
		if !ok {
			bucket = mapset.NewThreadUnsafeSet[task.TaskId]()
			l.children[parent] = bucket
		}
		bucket.Add(id)
	}
}

// SetEntry inserts or promotes the entry for t.ID(). Per the §4.1 merge
// rule, status monotonicity is UNCOMMITTED_REMOTE <= UNCOMMITTED_WAITING
// <= UNCOMMITTED_READY <= COMMITTING; a weaker incoming status never
// overwrites a stronger present one. SetEntry reports whether the entry
// was newly inserted or its status changed.
func (l *Lineage) SetEntry(t task.Task, status GcsStatus) bool {
	if existing, ok := l.entries[t.ID()]; ok {
		if status <= existing.Status {
			return false
		}
		existing.Status = status
		return true
	}
	l.entries[t.ID()] = newEntry(t, status)
	l.recordEdges(t)
	return true
}

// PopEntry removes the entry for id from entries but leaves the
// children adjacency intact, per spec.md §3: "Removing an entry from
// entries does NOT automatically remove it from children." Returns the
// removed entry, or nil if absent.
func (l *Lineage) PopEntry(id task.TaskId) *Entry {
	e, ok := l.entries[id]
	if !ok {
		return nil
	}
	delete(l.entries, id)
	return e
}

// ForEach calls fn once per current entry. fn must not mutate the
// Lineage; callers that need to merge entries elsewhere should collect
// what they need and apply changes afterward.
func (l *Lineage) ForEach(fn func(t task.Task, status GcsStatus)) {
	for _, e := range l.entries {
		fn(e.Task, e.Status)
	}
}

// DropChildrenBucket removes the children[id] bucket entirely. Called by
// the cache once a parent's descendant bucket has been fully exhausted
// by eviction (spec.md §4.5: "drop the children bucket once exhausted").
func (l *Lineage) DropChildrenBucket(id task.TaskId) {
	delete(l.children, id)
}
