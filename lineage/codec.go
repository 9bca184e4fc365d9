package lineage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rayforge/lineagecache/task"
)

// Bundle is the decoded form of the ancestor-bundle wire format (spec.md
// §6): a root TaskId plus the records needed to reconstruct it and its
// present ancestors.
type Bundle struct {
	Root    task.TaskId
	Records []BundleRecord
}

// BundleRecord is one {task_spec_bytes, status_byte} record.
type BundleRecord struct {
	Task   task.Task
	Status GcsStatus
}

func putTaskId(buf *bytes.Buffer, id task.TaskId) { buf.Write(id[:]) }

func getTaskId(r *bytes.Reader) (task.TaskId, error) {
	var id task.TaskId
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return task.TaskId{}, err
	}
	return id, nil
}

func putObjectId(buf *bytes.Buffer, id task.ObjectId) { buf.Write(id[:]) }

func getObjectId(r *bytes.Reader) (task.ObjectId, error) {
	var id task.ObjectId
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return task.ObjectId{}, err
	}
	return id, nil
}

func encodeSpec(buf *bytes.Buffer, spec task.Spec) {
	putTaskId(buf, spec.ID())

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(spec.Arguments())))
	buf.Write(u32[:])
	for _, a := range spec.Arguments() {
		putObjectId(buf, a)
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(spec.Returns())))
	buf.Write(u32[:])
	for _, rv := range spec.Returns() {
		putObjectId(buf, rv)
	}
}

func decodeSpec(r *bytes.Reader) (task.Spec, error) {
	id, err := getTaskId(r)
	if err != nil {
		return task.Spec{}, fmt.Errorf("lineage: decode task id: %w", err)
	}

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return task.Spec{}, fmt.Errorf("lineage: decode argument count: %w", err)
	}
	argc := binary.BigEndian.Uint32(u32[:])
	if int64(argc) > int64(r.Len()) {
		return task.Spec{}, fmt.Errorf("lineage: argument count %d exceeds remaining %d bytes", argc, r.Len())
	}
	args := make([]task.ObjectId, argc)
	for i := range args {
		if args[i], err = getObjectId(r); err != nil {
			return task.Spec{}, fmt.Errorf("lineage: decode argument %d: %w", i, err)
		}
	}

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return task.Spec{}, fmt.Errorf("lineage: decode return count: %w", err)
	}
	retc := binary.BigEndian.Uint32(u32[:])
	if int64(retc) > int64(r.Len()) {
		return task.Spec{}, fmt.Errorf("lineage: return count %d exceeds remaining %d bytes", retc, r.Len())
	}
	rets := make([]task.ObjectId, retc)
	for i := range rets {
		if rets[i], err = getObjectId(r); err != nil {
			return task.Spec{}, fmt.Errorf("lineage: decode return %d: %w", i, err)
		}
	}

	return task.NewSpec(id, args, rets), nil
}

// EncodeBundle serializes b into the ancestor-bundle wire format (spec.md
// §6): a fixed-width root TaskId followed by a length-prefixed sequence
// of {task_spec_bytes, status_byte} records.
func EncodeBundle(b Bundle) []byte {
	var buf bytes.Buffer
	putTaskId(&buf, b.Root)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(b.Records)))
	buf.Write(u32[:])

	for _, rec := range b.Records {
		var specBuf bytes.Buffer
		encodeSpec(&specBuf, rec.Task.Spec)

		binary.BigEndian.PutUint32(u32[:], uint32(specBuf.Len()))
		buf.Write(u32[:])
		buf.Write(specBuf.Bytes())
		buf.WriteByte(byte(rec.Status))
	}
	return buf.Bytes()
}

// DecodeBundle parses the ancestor-bundle wire format produced by
// EncodeBundle.
func DecodeBundle(data []byte) (Bundle, error) {
	r := bytes.NewReader(data)
	root, err := getTaskId(r)
	if err != nil {
		return Bundle{}, fmt.Errorf("lineage: decode bundle root: %w", err)
	}

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return Bundle{}, fmt.Errorf("lineage: decode record count: %w", err)
	}
	count := binary.BigEndian.Uint32(u32[:])
	if int64(count) > int64(r.Len()) {
		return Bundle{}, fmt.Errorf("lineage: record count %d exceeds remaining %d bytes", count, r.Len())
	}

	records := make([]BundleRecord, count)
	for i := range records {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return Bundle{}, fmt.Errorf("lineage: decode record %d length: %w", i, err)
		}
		specLen := binary.BigEndian.Uint32(u32[:])

		specBytes := make([]byte, specLen)
		if _, err := io.ReadFull(r, specBytes); err != nil {
			return Bundle{}, fmt.Errorf("lineage: decode record %d spec: %w", i, err)
		}
		spec, err := decodeSpec(bytes.NewReader(specBytes))
		if err != nil {
			return Bundle{}, fmt.Errorf("lineage: decode record %d: %w", i, err)
		}

		statusByte, err := r.ReadByte()
		if err != nil {
			return Bundle{}, fmt.Errorf("lineage: decode record %d status: %w", i, err)
		}
		status := GcsStatus(statusByte)
		if !status.valid() {
			return Bundle{}, fmt.Errorf("lineage: record %d has invalid status byte %d", i, statusByte)
		}

		records[i] = BundleRecord{Task: task.NewTask(spec), Status: status}
	}
	return Bundle{Root: root, Records: records}, nil
}

// SerializeSubset emits the entry for root and the transitive closure of
// entries reachable by following argument-ObjectId -> parent-TaskId
// edges, restricted to entries currently present (spec.md §4.1). The
// root entry is always included, even if it has been forwarded to every
// peer already (spec.md §6): a task being re-forwarded still needs its
// own record.
func (l *Lineage) SerializeSubset(root task.TaskId) ([]byte, error) {
	rootEntry := l.GetEntry(root)
	if rootEntry == nil {
		return nil, fmt.Errorf("lineage: SerializeSubset: task %s not present", root)
	}

	visited := map[task.TaskId]bool{root: true}
	records := []BundleRecord{{Task: rootEntry.Task, Status: rootEntry.Status}}

	queue := []task.TaskId{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		entry := l.GetEntry(id)
		if entry == nil {
			continue
		}
		for _, parent := range entry.Task.Spec.Parents() {
			if visited[parent] {
				continue
			}
			parentEntry := l.GetEntry(parent)
			if parentEntry == nil {
				// Parent already evicted/not present; nothing to ship.
				continue
			}
			visited[parent] = true
			records = append(records, BundleRecord{Task: parentEntry.Task, Status: parentEntry.Status})
			queue = append(queue, parent)
		}
	}

	return EncodeBundle(Bundle{Root: root, Records: records}), nil
}

// DeserializeAndMerge applies SetEntry for each record in data, per the
// §4.1 merge rule: an incoming entry with a stronger status than any
// present entry replaces it; a weaker incoming status is discarded.
// Returns the TaskIds that were newly introduced (i.e. were not present
// before the merge), so the caller can react (e.g. subscribe to remote
// ones), and the root TaskId of the bundle.
func (l *Lineage) DeserializeAndMerge(data []byte) (root task.TaskId, newly []task.TaskId, err error) {
	bundle, err := DecodeBundle(data)
	if err != nil {
		return task.TaskId{}, nil, err
	}

	for _, rec := range bundle.Records {
		wasPresent := l.Has(rec.Task.ID())
		if l.SetEntry(rec.Task, rec.Status) && !wasPresent {
			newly = append(newly, rec.Task.ID())
		}
	}
	return bundle.Root, newly, nil
}
