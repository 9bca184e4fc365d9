// Package gcs defines the external contract the lineage cache consumes
// for durable task persistance and remote-commit notification (spec.md
// §4.2). The store itself — durability, replication, transport — is out
// of scope for this repository (spec.md §1); this package only defines
// the capability set and two reference implementations used by tests
// and the demo CLI.
package gcs

import "github.com/rayforge/lineagecache/task"

// OnAck is invoked once a write submitted via AsyncAdd is durably
// committed. It may be invoked on a goroutine other than the caller of
// AsyncAdd (spec.md §4.2, §5: "the on_ack callback is invoked later").
type OnAck func(task.TaskId)

// OnCommit is invoked when a subscribed task is observed durably
// committed, whether or not this process issued the write (spec.md
// §4.2). Delivery is unordered and MUST be tolerated as such by
// subscribers; a store MAY invoke OnCommit more than once for the same
// id and subscribers MUST treat repeats as idempotent (spec.md §4.2,
// §4.7).
type OnCommit func(task.TaskId)

// MetadataStore is the capability set the lineage cache consumes from
// the cluster's metadata store (spec.md §4.2). Implementations must be
// safe for concurrent use: the store is shared with other subsystems,
// even though the cache itself calls it only from its own
// single-threaded event loop (spec.md §5).
type MetadataStore interface {
	// AsyncAdd returns immediately and later invokes onAck(id) once the
	// write is durable. payload is an opaque, already-serialized record
	// (the cache does not interpret it).
	AsyncAdd(id task.TaskId, payload []byte, onAck OnAck)

	// Subscribe requests that the store invoke onCommit when id is
	// durably committed by any writer. Duplicate subscriptions for the
	// same id are allowed and are not deduplicated by the store (spec.md
	// §4.2 places that burden on the cache's own `subscribed` set): both
	// implementations here register every call's onCommit separately, so
	// n Subscribe calls for an id yield n notifications per commit.
	Subscribe(id task.TaskId, onCommit OnCommit)

	// Unsubscribe is a best-effort cancellation of a prior Subscribe.
	Unsubscribe(id task.TaskId)
}
