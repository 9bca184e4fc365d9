// Package task defines the value types that flow through the lineage
// cache: opaque identifiers and the immutable task specification they
// name.
package task

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// idSize is the fixed width, in bytes, of a TaskId/NodeId. 20 bytes
// mirrors the teacher's common.Address width, which is plenty of
// entropy for a process- or cluster-local id space.
const idSize = 20

// objectIdSize leaves room, past the embedded TaskId, for an index that
// disambiguates a task's distinct return values.
const objectIdSize = idSize + 4

// TaskId identifies a task.
type TaskId [idSize]byte

func (id TaskId) String() string { return hex.EncodeToString(id[:]) }
func (id TaskId) IsZero() bool   { return id == TaskId{} }

// NodeId identifies a peer node.
type NodeId [idSize]byte

func (id NodeId) String() string { return hex.EncodeToString(id[:]) }
func (id NodeId) IsZero() bool   { return id == NodeId{} }

// ObjectId identifies a value produced by a task. Every ObjectId
// deterministically encodes the TaskId of its producing task in its
// leading bytes, so a parent can be recovered from an argument id alone
// without any side-table (spec.md §3).
type ObjectId [objectIdSize]byte

func (id ObjectId) String() string { return hex.EncodeToString(id[:]) }

// NewObjectId derives the ObjectId for the objIndex'th return value of
// producer.
func NewObjectId(producer TaskId, objIndex uint32) ObjectId {
	var out ObjectId
	copy(out[:idSize], producer[:])
	out[idSize] = byte(objIndex >> 24)
	out[idSize+1] = byte(objIndex >> 16)
	out[idSize+2] = byte(objIndex >> 8)
	out[idSize+3] = byte(objIndex)
	return out
}

// ProducingTask recovers the TaskId encoded in id by NewObjectId. This is
// the sole mechanism the cache uses to resolve argument -> parent edges
// (spec.md §3, §4.1): there is no separate bookkeeping of which task
// produced which object.
func (id ObjectId) ProducingTask() TaskId {
	var out TaskId
	copy(out[:], id[:idSize])
	return out
}

// NewRandomTaskId returns a random TaskId, for tests and the demo CLI.
// The id is two concatenated UUIDv4s truncated to idSize bytes, which
// keeps generation off crypto/rand's narrower API while still drawing
// on a CSPRNG underneath (google/uuid reads from crypto/rand itself).
func NewRandomTaskId() TaskId {
	var id TaskId
	fillRandom(id[:])
	return id
}

// NewRandomNodeId returns a random NodeId, for tests and the demo CLI.
func NewRandomNodeId() NodeId {
	var id NodeId
	fillRandom(id[:])
	return id
}

// fillRandom fills dst with uuid-sourced random bytes, concatenating as
// many v4 UUIDs as needed to cover len(dst).
func fillRandom(dst []byte) {
	for off := 0; off < len(dst); off += 16 {
		u := uuid.New()
		copy(dst[off:], u[:])
	}
}
