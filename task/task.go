package task

// Spec is the immutable specification of a task: its declared argument
// object ids (its dependencies) and the object ids it produces. Spec is
// never mutated after construction (spec.md §3 invariant).
type Spec struct {
	id        TaskId
	arguments []ObjectId
	returns   []ObjectId
}

// NewSpec builds a Spec for id, depending on arguments and producing
// returns. The slices are copied so the caller's backing arrays cannot
// mutate the spec afterward.
func NewSpec(id TaskId, arguments, returns []ObjectId) Spec {
	s := Spec{id: id}
	if len(arguments) > 0 {
		s.arguments = append([]ObjectId(nil), arguments...)
	}
	if len(returns) > 0 {
		s.returns = append([]ObjectId(nil), returns...)
	}
	return s
}

// ID returns the task's identifier.
func (s Spec) ID() TaskId { return s.id }

// Arguments returns the declared argument object ids. The returned slice
// must not be mutated by the caller.
func (s Spec) Arguments() []ObjectId { return s.arguments }

// Returns returns the declared return object ids. The returned slice
// must not be mutated by the caller.
func (s Spec) Returns() []ObjectId { return s.returns }

// Parents returns the set of distinct TaskIds that produced this task's
// arguments, derived exclusively from the argument ObjectIds (spec.md
// §3, §4.1). A task with no arguments has no parents.
func (s Spec) Parents() []TaskId {
	if len(s.arguments) == 0 {
		return nil
	}
	seen := make(map[TaskId]struct{}, len(s.arguments))
	out := make([]TaskId, 0, len(s.arguments))
	for _, arg := range s.arguments {
		p := arg.ProducingTask()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Task is a unit of work: a Spec plus nothing else. It is the value the
// lineage cache tracks; Task itself carries no mutable state (the
// mutable status and forwarding bookkeeping lives on lineage.Entry).
type Task struct {
	Spec Spec
}

// NewTask wraps spec as a Task.
func NewTask(spec Spec) Task { return Task{Spec: spec} }

// ID returns the task's identifier.
func (t Task) ID() TaskId { return t.Spec.ID() }
