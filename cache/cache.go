// Package cache implements the LineageCache state machine: the
// commit/eviction engine, writeback (flush), the forwarding protocol,
// and the lineage-size subscription bound (spec.md §4.3-§4.6). It is
// the largest component of the repository and consumes the lineage and
// gcs packages exclusively through their exported contracts.
package cache

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rayforge/lineagecache/gcs"
	"github.com/rayforge/lineagecache/internal/metrics"
	"github.com/rayforge/lineagecache/internal/xlog"
	"github.com/rayforge/lineagecache/lineage"
	"github.com/rayforge/lineagecache/task"
)

// peerBookkeepingSize bounds the purely observational "recently active
// peer" tracker (KnownPeers). It has no bearing on
// forwarding correctness: the authoritative forwarded_to set lives on
// each lineage.Entry and is never evicted by this bound.
const peerBookkeepingSize = 4096

// LineageCache is the per-node state machine described in spec.md §4.3.
// It assumes single-threaded cooperative scheduling (spec.md §5): every
// exported method is safe to call from multiple goroutines only because
// it wraps its body in mu, not because the algorithms themselves are
// lock-free.
type LineageCache struct {
	selfNodeID     task.NodeId
	store          gcs.MetadataStore
	maxLineageSize uint64

	mu  sync.Mutex
	lin *lineage.Lineage

	// subscribed tracks ids this cache has issued store.Subscribe for,
	// so duplicate subscriptions are never issued (spec.md §4.2, §4.3),
	// and so resolveBucket knows which ids to Unsubscribe once their
	// bucket is exhausted.
	subscribed mapset.Set[task.TaskId]

	// committed tracks ids whose commit has been confirmed via
	// handle_entry_committed, independent of whether the entry is still
	// present (deferred) or already popped. It is the mechanism that
	// lets a descendant's eviction check see past a forwarded-away
	// ancestor that has since committed remotely (spec.md §9's second
	// open question). Entries are removed once their children bucket is
	// fully exhausted; nothing ever queries a resolved id again.
	committed mapset.Set[task.TaskId]

	// relinquished tracks ids popped via RemoveWaitingTask whose commit
	// has not yet been confirmed: this node handed the task to a peer
	// while it was still uncommitted, so it no longer holds an entry for
	// it, but a reconstructing descendant still needs to wait for that
	// id's eventual commit before treating it as gone (spec.md §3, §9's
	// second open question). An id is removed from this set the moment
	// its commit is confirmed, regardless of whether its own children
	// bucket has been resolved yet; unlike committed/subscribed, it must
	// never be removed merely because children is momentarily empty, or
	// a child declared *after* the parent's commit would wait forever
	// for a confirmation this cache already has (parentsGone's absent-
	// parent branch, below).
	relinquished mapset.Set[task.TaskId]

	peers *lru.Cache[task.NodeId, time.Time]

	log     *xlog.Logger
	metrics *metrics.Registry
}

// Option configures optional LineageCache dependencies.
type Option func(*LineageCache)

// WithLogger overrides the default stderr logger.
func WithLogger(l *xlog.Logger) Option {
	return func(c *LineageCache) { c.log = l }
}

// WithMetrics overrides the default unregistered metrics.Registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *LineageCache) { c.metrics = m }
}

// New builds a LineageCache. selfNodeID identifies this node for
// observability only (the cache never forwards tasks on its own
// behalf); store is the metadata store dependency (spec.md §4.2);
// maxLineageSize is the bound from spec.md §4.5 (0 disables it).
func New(selfNodeID task.NodeId, store gcs.MetadataStore, maxLineageSize uint64, opts ...Option) *LineageCache {
	peers, _ := lru.New[task.NodeId, time.Time](peerBookkeepingSize)
	c := &LineageCache{
		selfNodeID:     selfNodeID,
		store:          store,
		maxLineageSize: maxLineageSize,
		lin:            lineage.New(),
		subscribed:     mapset.NewThreadUnsafeSet[task.TaskId](),
		committed:      mapset.NewThreadUnsafeSet[task.TaskId](),
		relinquished:   mapset.NewThreadUnsafeSet[task.TaskId](),
		peers:          peers,
		log:            xlog.Default(),
		metrics:        metrics.NewUnregistered(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetLineage returns the cache's live Lineage, for tests and
// diagnostics (spec.md §4.3, §6). Callers must not mutate it directly.
func (c *LineageCache) GetLineage() *lineage.Lineage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lin
}

// KnownPeers reports how many distinct NodeIds have been observed via
// MarkTaskAsForwarded recently. This is purely observational bookkeeping
// bounded by an LRU (peerBookkeepingSize) so a node churning through
// many transient forwarding peers over its lifetime does not grow this
// tracker without bound; it has no bearing on the correctness-critical
// per-entry forwarded_to sets.
func (c *LineageCache) KnownPeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.Len()
}

func (c *LineageCache) touchPeer(node task.NodeId) {
	c.peers.Add(node, time.Now())
}

// AddWaitingTask merges carry into the local lineage and inserts task
// at UNCOMMITTED_WAITING if it is not already known at a status at
// least that strong (spec.md §4.3). carry may be nil, equivalent to an
// empty Lineage.
func (c *LineageCache) AddWaitingTask(t task.Task, carry *lineage.Lineage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.lin.GetEntry(t.ID())
	priorKnown := existing != nil && existing.Status >= lineage.UncommittedWaiting

	if carry != nil {
		carry.ForEach(func(ct task.Task, status lineage.GcsStatus) {
			wasPresent := c.lin.Has(ct.ID())
			changed := c.lin.SetEntry(ct, status)
			if changed && !wasPresent && status == lineage.UncommittedRemote {
				c.subscribeOnce(ct.ID())
			}
		})
	}

	c.lin.SetEntry(t, lineage.UncommittedWaiting)
	c.enforceLineageSizeBound(t.ID())
	c.refreshGauges()

	c.log.Debug("add_waiting_task", "task", t.ID(), "newly_known", !priorKnown)
	return !priorKnown
}

// AddReadyTask promotes task's entry from UNCOMMITTED_WAITING to
// UNCOMMITTED_READY, inserting it directly at UNCOMMITTED_READY if
// absent, then runs flush (spec.md §4.3, §4.4).
func (c *LineageCache) AddReadyTask(t task.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.lin.GetEntry(t.ID())
	changed := false
	switch {
	case entry == nil:
		c.lin.SetEntry(t, lineage.UncommittedReady)
		changed = true
	case entry.Status == lineage.UncommittedWaiting:
		entry.Status = lineage.UncommittedReady
		changed = true
	}

	c.flushLocked()
	c.refreshGauges()
	c.log.Debug("add_ready_task", "task", t.ID(), "transitioned", changed)
	return changed
}

// RemoveWaitingTask relinquishes a WAITING entry, typically because the
// task itself is being forwarded elsewhere (spec.md §4.3, §4.6). It
// subscribes to the id's remote commit notification since this node no
// longer owns the write.
func (c *LineageCache) RemoveWaitingTask(id task.TaskId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.lin.GetEntry(id)
	if entry == nil || entry.Status != lineage.UncommittedWaiting {
		return false
	}
	c.lin.PopEntry(id)
	if !c.committed.Contains(id) {
		c.relinquished.Add(id)
	}
	c.subscribeOnce(id)
	c.refreshGauges()
	return true
}

// MarkTaskAsForwarded records node in id's forwarded_to set (spec.md
// §4.3, §4.6). If id is no longer present no set is updated, but node is
// still recorded in the KnownPeers tracker.
func (c *LineageCache) MarkTaskAsForwarded(id task.TaskId, node task.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry := c.lin.GetEntry(id); entry != nil {
		entry.ForwardedTo.Add(node)
	}
	c.touchPeer(node)
}

// MarkSubsetForwarded marks every entry in subset as forwarded to node.
// It is the "traversal visitor records this as a side effect" step of
// spec.md §4.6's forwarding protocol: callers pass the Lineage returned
// by GetUncommittedLineageOrDie after shipping it.
func (c *LineageCache) MarkSubsetForwarded(subset *lineage.Lineage, node task.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subset.ForEach(func(t task.Task, _ lineage.GcsStatus) {
		if entry := c.lin.GetEntry(t.ID()); entry != nil {
			entry.ForwardedTo.Add(node)
		}
	})
	c.touchPeer(node)
}

// GetUncommittedLineageOrDie collects id and its uncommitted ancestor
// chain (spec.md §4.3). Traversal does not descend into an ancestor
// whose forwarded_to set already contains stopAtNode; the root is
// always included regardless. Passing the zero NodeId as stopAtNode
// disables pruning entirely (no ancestor's forwarded_to set can contain
// a zero id under ordinary construction). Panics if id is absent.
func (c *LineageCache) GetUncommittedLineageOrDie(id task.TaskId, stopAtNode task.NodeId) *lineage.Lineage {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.lin.GetEntry(id)
	if root == nil {
		panic(&PreconditionViolation{
			Op:     "get_uncommitted_lineage_or_die",
			Detail: fmt.Sprintf("task %s not present in cache", id),
		})
	}

	noPrune := stopAtNode.IsZero()
	out := lineage.New()
	out.SetEntry(root.Task, root.Status)

	visited := map[task.TaskId]bool{id: true}
	queue := []task.TaskId{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curEntry := c.lin.GetEntry(cur)
		if curEntry == nil {
			continue
		}
		for _, parent := range curEntry.Task.Spec.Parents() {
			if visited[parent] {
				continue
			}
			pEntry := c.lin.GetEntry(parent)
			if pEntry == nil {
				continue
			}
			if !noPrune && pEntry.ForwardedTo.Contains(stopAtNode) {
				continue
			}
			visited[parent] = true
			out.SetEntry(pEntry.Task, pEntry.Status)
			queue = append(queue, parent)
		}
	}
	return out
}

// HandleEntryCommitted is invoked by the metadata store's subscription
// channel (directly, for this node's own writebacks; via store.Subscribe
// for remote ancestors). It is idempotent: once an id has been recorded
// committed, later deliveries for the same id no-op (spec.md §4.3,
// §4.7).
func (c *LineageCache) HandleEntryCommitted(id task.TaskId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed.Contains(id) {
		return
	}
	c.committed.Add(id)
	// id's commit is now confirmed, so it can never again be a pending
	// reason to block a descendant's eviction: drop it from relinquished
	// unconditionally, independent of whether its children bucket has
	// been populated yet (a child declared after this point must see it
	// as gone, not wait on a bucket that simply didn't exist yet).
	c.relinquished.Remove(id)

	entry := c.lin.GetEntry(id)
	if entry == nil {
		// id was already relinquished (remove_waiting_task) or never
		// carried a live entry at all. A notification for an id this
		// cache never asked about also lands here; it is not checked
		// against subscribed, and resolveBucket only acts on children[id]
		// if such a bucket exists.
		c.resolveBucket(id)
		c.refreshGauges()
		return
	}

	entry.Committed = true
	c.tryEvict(id, entry)
	c.refreshGauges()
}

// parentsGone reports whether every parent t declares has been evicted.
// A parent still present in entries is never gone. A parent that is
// absent is gone unless this cache itself popped it via
// RemoveWaitingTask and has not yet seen its commit confirmation
// (relinquished, spec.md §3): such a "dangling" parent must still block
// eviction of its descendants, since this cache is the only place that
// ever held it. A parent that this cache never held present at all is
// presumed already committed upstream and imposes no such wait -
// mirroring flushable's "not present in the cache (presumed already
// committed)" rule (spec.md §4.4) rather than demanding a confirmation
// this cache was never in a position to observe.
func (c *LineageCache) parentsGone(t task.Task) bool {
	for _, p := range t.Spec.Parents() {
		if c.lin.Has(p) {
			return false
		}
		if c.relinquished.Contains(p) {
			return false
		}
	}
	return true
}

// tryEvict pops id if it is committed and every parent it declares has
// already been evicted. Eviction cascades: it re-examines id's own
// children bucket (some may now also be evictable) and every parent's
// bucket (one of its children has just disappeared, possibly exhausting
// it) (spec.md §4.5).
func (c *LineageCache) tryEvict(id task.TaskId, entry *lineage.Entry) {
	if !entry.Committed || !c.parentsGone(entry.Task) {
		return
	}
	parents := entry.Task.Spec.Parents()
	c.lin.PopEntry(id)
	c.metrics.Evictions.Inc()
	c.log.Debug("evicted", "task", id)

	c.resolveBucket(id)
	for _, p := range parents {
		c.resolveBucket(p)
	}
}

// resolveBucket re-examines the children[id] bucket: any committed
// child whose own parents are now all gone is evicted (recursively
// cascading further); once every member of the bucket has disappeared
// from entries, the bucket itself is dropped and id's committed/
// subscribed bookkeeping is released, since nothing will ever need to
// ask about id again (spec.md §4.5, §9).
func (c *LineageCache) resolveBucket(id task.TaskId) {
	children := c.lin.GetChildren(id)
	allGone := true
	for childID := range children.Iter() {
		childEntry := c.lin.GetEntry(childID)
		if childEntry == nil {
			continue
		}
		if childEntry.Committed && c.parentsGone(childEntry.Task) {
			c.tryEvict(childID, childEntry)
			if !c.lin.Has(childID) {
				continue
			}
		}
		allGone = false
	}
	if !allGone {
		return
	}
	c.lin.DropChildrenBucket(id)
	c.committed.Remove(id)
	if c.subscribed.Contains(id) {
		c.subscribed.Remove(id)
		c.store.Unsubscribe(id)
	}
}

// subscribeOnce issues store.Subscribe for id at most once (spec.md
// §4.2, §4.3).
func (c *LineageCache) subscribeOnce(id task.TaskId) {
	if c.subscribed.Contains(id) {
		return
	}
	c.subscribed.Add(id)
	c.metrics.Subscriptions.Inc()
	c.store.Subscribe(id, c.HandleEntryCommitted)
}

// enforceLineageSizeBound implements spec.md §4.5's lineage-size bound:
// once id's present uncommitted-ancestor subtree exceeds
// maxLineageSize, every UNCOMMITTED_REMOTE ancestor in it that is not
// already subscribed is subscribed to, so remote commits will
// eventually drive the subtree back under the bound.
func (c *LineageCache) enforceLineageSizeBound(id task.TaskId) {
	if c.maxLineageSize == 0 {
		return
	}
	visited := map[task.TaskId]bool{id: true}
	queue := []task.TaskId{id}
	var ancestors []task.TaskId
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		entry := c.lin.GetEntry(cur)
		if entry == nil {
			continue
		}
		if cur != id {
			ancestors = append(ancestors, cur)
		}
		for _, p := range entry.Task.Spec.Parents() {
			if visited[p] {
				continue
			}
			if c.lin.GetEntry(p) == nil {
				continue
			}
			visited[p] = true
			queue = append(queue, p)
		}
	}
	if uint64(len(ancestors)+1) <= c.maxLineageSize {
		return
	}
	for _, aID := range ancestors {
		if entry := c.lin.GetEntry(aID); entry != nil && entry.Status == lineage.UncommittedRemote {
			c.subscribeOnce(aID)
		}
	}
}

// flushable reports whether every parent t declares is either absent
// from the cache or present with status COMMITTING/committed (spec.md
// §4.4).
func (c *LineageCache) flushable(t task.Task) bool {
	for _, p := range t.Spec.Parents() {
		entry := c.lin.GetEntry(p)
		if entry == nil {
			continue
		}
		if entry.Status == lineage.Committing || entry.Committed {
			continue
		}
		return false
	}
	return true
}

// flushLocked performs the writeback pass described in spec.md §4.4.
// Callers must hold mu. Serialization of the (read-only at this point)
// flushable subtrees is fanned out across an errgroup since it is the
// only CPU-bound step in an otherwise callback-driven operation.
func (c *LineageCache) flushLocked() {
	var flushableIDs []task.TaskId
	c.lin.ForEach(func(t task.Task, status lineage.GcsStatus) {
		if status == lineage.UncommittedReady && c.flushable(t) {
			flushableIDs = append(flushableIDs, t.ID())
		}
	})
	if len(flushableIDs) == 0 {
		return
	}

	payloads := make([][]byte, len(flushableIDs))
	var g errgroup.Group
	for i, id := range flushableIDs {
		i, id := i, id
		g.Go(func() error {
			data, err := c.lin.SerializeSubset(id)
			if err != nil {
				return fmt.Errorf("flush: serialize %s: %w", id, err)
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Error("flush: serialization failed", "err", err)
		return
	}

	for i, id := range flushableIDs {
		entry := c.lin.GetEntry(id)
		if entry == nil || entry.Status != lineage.UncommittedReady {
			continue
		}
		entry.Status = lineage.Committing
		c.metrics.Flushes.Inc()
		c.store.AsyncAdd(id, payloads[i], c.HandleEntryCommitted)
	}
}

func (c *LineageCache) refreshGauges() {
	c.metrics.Entries.Set(float64(c.lin.Len()))
	var committing int
	c.lin.ForEach(func(_ task.Task, status lineage.GcsStatus) {
		if status == lineage.Committing {
			committing++
		}
	})
	c.metrics.Committing.Set(float64(committing))
}

// DebugRow is one line of the observability dump described in spec.md
// §6.
type DebugRow struct {
	TaskID      task.TaskId
	Status      lineage.GcsStatus
	ForwardedTo []task.NodeId
}

// DebugDump enumerates every entry currently present, for diagnostics
// and the demo CLI's table renderer.
func (c *LineageCache) DebugDump() []DebugRow {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []DebugRow
	c.lin.ForEach(func(t task.Task, status lineage.GcsStatus) {
		entry := c.lin.GetEntry(t.ID())
		row := DebugRow{TaskID: t.ID(), Status: status}
		if entry != nil {
			row.ForwardedTo = entry.ForwardedTo.ToSlice()
		}
		rows = append(rows, row)
	})
	return rows
}
