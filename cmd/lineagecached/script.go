package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rayforge/lineagecache/cache"
	"github.com/rayforge/lineagecache/task"
)

// session binds human-readable names (as they appear in a script file)
// to the TaskId/NodeId values the cache actually keys on, and to the
// task.Task values built for names seen in a "waiting" line.
type session struct {
	c *cache.LineageCache

	taskIDs map[string]task.TaskId
	tasks   map[task.TaskId]task.Task
	nodeIDs map[string]task.NodeId
}

func newSession(c *cache.LineageCache) *session {
	return &session{
		c:       c,
		taskIDs: make(map[string]task.TaskId),
		tasks:   make(map[task.TaskId]task.Task),
		nodeIDs: make(map[string]task.NodeId),
	}
}

func (s *session) taskID(name string) task.TaskId {
	if id, ok := s.taskIDs[name]; ok {
		return id
	}
	id := task.NewRandomTaskId()
	s.taskIDs[name] = id
	return id
}

func (s *session) nodeID(name string) task.NodeId {
	if id, ok := s.nodeIDs[name]; ok {
		return id
	}
	id := task.NewRandomNodeId()
	s.nodeIDs[name] = id
	return id
}

// runScript reads newline-delimited operations from r and applies each
// to s.c in order. Supported verbs:
//
//	waiting <name> [parent...]   add_waiting_task, declaring one argument
//	                             object per named parent (which must have
//	                             already appeared in a prior "waiting" line)
//	ready <name>                 add_ready_task
//	forward <name> <peer>        get_uncommitted_lineage_or_die + mark as
//	                             forwarded to peer, printed to stdout
//	remove <name>                remove_waiting_task
//	commit <name>                handle_entry_committed
//	dump                         print the debug table
//
// Blank lines and lines starting with '#' are ignored.
func runScript(s *session, r io.Reader, w io.Writer, tableStyle bool) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		verb := fields[0]
		args := fields[1:]

		if err := s.apply(verb, args, w, tableStyle); err != nil {
			return fmt.Errorf("line %d: %q: %w", lineNo, line, err)
		}
	}
	return scanner.Err()
}

func (s *session) apply(verb string, args []string, w io.Writer, tableStyle bool) error {
	switch verb {
	case "waiting":
		if len(args) == 0 {
			return fmt.Errorf("waiting requires a task name")
		}
		name, parents := args[0], args[1:]
		id := s.taskID(name)

		var arguments []task.ObjectId
		for _, p := range parents {
			arguments = append(arguments, task.NewObjectId(s.taskID(p), 0))
		}
		spec := task.NewSpec(id, arguments, []task.ObjectId{task.NewObjectId(id, 0)})
		t := task.NewTask(spec)
		s.tasks[id] = t

		s.c.AddWaitingTask(t, nil)
		return nil

	case "ready":
		if len(args) != 1 {
			return fmt.Errorf("ready requires exactly one task name")
		}
		t, ok := s.tasks[s.taskID(args[0])]
		if !ok {
			return fmt.Errorf("unknown task %q", args[0])
		}
		s.c.AddReadyTask(t)
		return nil

	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("remove requires exactly one task name")
		}
		s.c.RemoveWaitingTask(s.taskID(args[0]))
		return nil

	case "commit":
		if len(args) != 1 {
			return fmt.Errorf("commit requires exactly one task name")
		}
		s.c.HandleEntryCommitted(s.taskID(args[0]))
		return nil

	case "forward":
		if len(args) != 2 {
			return fmt.Errorf("forward requires a task name and a peer name")
		}
		id := s.taskID(args[0])
		peer := s.nodeID(args[1])
		subset := s.c.GetUncommittedLineageOrDie(id, peer)
		s.c.MarkSubsetForwarded(subset, peer)
		fmt.Fprintf(w, "forwarded %s to %s: %d entries\n", args[0], args[1], subset.Len())
		return nil

	case "dump":
		renderDump(w, s.c.DebugDump(), tableStyle)
		return nil

	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}
