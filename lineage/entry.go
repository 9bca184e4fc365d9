package lineage

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rayforge/lineagecache/task"
)

// Entry is a task plus its position in the commit lifecycle and the set
// of peers already known to hold its lineage (spec.md §3). The Task
// field is immutable after construction; Status and ForwardedTo are
// mutated only by the owning Lineage/cache.
type Entry struct {
	Task task.Task

	Status GcsStatus

	// ForwardedTo tracks peers already known to hold this entry's
	// lineage, so a later forward of a sibling task does not redundantly
	// re-ship it (spec.md §4.6).
	ForwardedTo mapset.Set[task.NodeId]

	// Committed records that handle_entry_committed has fired for this
	// entry. It is orthogonal to Status: a COMMITTING (or, for a remote
	// ancestor, UNCOMMITTED_REMOTE) entry can be Committed=true and still
	// sit in entries, deferred, until its own ancestors are gone (spec.md
	// §4.5's "leave t in entries at its committed status").
	Committed bool
}

// newEntry builds a freshly-inserted entry at status.
func newEntry(t task.Task, status GcsStatus) *Entry {
	return &Entry{
		Task:        t,
		Status:      status,
		ForwardedTo: mapset.NewThreadUnsafeSet[task.NodeId](),
	}
}
