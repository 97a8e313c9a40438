package psg

import (
	log "github.com/sirupsen/logrus"

	"github.com/BarrensZeppelin/psg/internal/queue"
)

// MemoryModel supplies the memory objects the solver reads and writes when
// processing load, store and memcpy nodes. Implementations decide the
// granularity: a flow-insensitive model keeps one object per allocation site,
// a flow-sensitive one may keep objects per program point and is free to
// perform strong updates by swapping objects.
type MemoryModel interface {
	// GetMemoryObjects appends to *out the memory objects that hold the
	// state of the memory allocated at what, as visible at node where.
	GetMemoryObjects(where, what *Node, out *[]*MemoryObject)
}

// Hooks bundles the optional customization points of the solver. Every field
// may be nil; the defaults do nothing and report no change.
type Hooks struct {
	// Enqueue overrides how work is rescheduled after a node's processing
	// changed some points-to state. The default enqueues every node
	// reachable from the changed node; an override can push only the direct
	// successors through Schedule.
	Enqueue func(ps *PointerSubgraph, changed *Node)

	// BeforeProcessed and AfterProcessed run around every transfer function
	// application.
	BeforeProcessed func(n *Node)
	AfterProcessed  func(n *Node)

	// FunctionPointerCall resolves a call through a function pointer: where
	// is the callsite, what the called function node. The hook attaches the
	// callee's subgraph and reports whether the graph changed, in which case
	// the newly reachable nodes are discovered on the next enqueue. It is
	// consulted once per (callsite, callee) pair per solve.
	FunctionPointerCall func(where, what *Node) bool

	// Error reports an analysis-detected anomaly at a node. The return value
	// states whether the hook mutated any points-to state.
	Error func(at *Node, msg string) bool

	// ErrorEmptyPointsTo is called when a load finds no stored points-to
	// information in a memory object that is not zero initialized. The
	// return value states whether the hook mutated any points-to state; it
	// may, for example, add (UnknownMemory, UnknownOffset) to from.
	ErrorEmptyPointsTo func(from, to *Node) bool
}

// Config assembles a solver.
type Config struct {
	// Root seeds the worklist; every node of the subgraph must be reachable
	// from it along successor edges.
	Root *Node
	// Memory is the required memory-object collaborator.
	Memory MemoryModel
	Hooks  Hooks
}

// PointerSubgraph is the worklist fixpoint solver over a pointer subgraph.
// It is single-threaded; no two solvers may share a graph.
type PointerSubgraph struct {
	root  *Node
	mem   MemoryModel
	hooks Hooks

	dfsnum uint32
	queue  queue.Queue[*Node]

	// Callees already handed to the FunctionPointerCall hook, per callsite.
	resolved map[*Node]map[*Node]bool
}

// New creates a solver for the subgraph rooted at config.Root. A missing root
// or memory model is a programmer error.
func New(config Config) *PointerSubgraph {
	if config.Root == nil {
		log.Panicf("cannot create a pointer subgraph without a root")
	}
	if config.Memory == nil {
		log.Panicf("cannot create a pointer subgraph without a memory model")
	}

	return &PointerSubgraph{
		root:     config.Root,
		mem:      config.Memory,
		hooks:    config.Hooks,
		resolved: make(map[*Node]map[*Node]bool),
	}
}

func (ps *PointerSubgraph) Root() *Node     { return ps.root }
func (ps *PointerSubgraph) SetRoot(r *Node) { ps.root = r }

// PendingInQueue returns the number of nodes awaiting processing.
func (ps *PointerSubgraph) PendingInQueue() int { return ps.queue.Len() }

// getNodes enumerates every node reachable from the start nodes in BFS order
// over successor edges, invoking push exactly once per node. Visits are
// marked against a fresh dfs number per call.
func (ps *PointerSubgraph) getNodes(push func(*Node), start ...*Node) {
	ps.dfsnum++

	var fifo queue.Queue[*Node]
	for _, s := range start {
		if s.dfsid != ps.dfsnum {
			s.dfsid = ps.dfsnum
			fifo.Push(s)
		}
	}

	for !fifo.Empty() {
		cur := fifo.Pop()
		push(cur)

		for _, succ := range cur.successors {
			if succ.dfsid != ps.dfsnum {
				succ.dfsid = ps.dfsnum
				fifo.Push(succ)
			}
		}
	}
}

// Nodes returns the nodes reachable from start in BFS order. A nil start
// enumerates from the root.
func (ps *PointerSubgraph) Nodes(start *Node) []*Node {
	if start == nil {
		start = ps.root
	}

	var out []*Node
	ps.getNodes(func(n *Node) { out = append(out, n) }, start)
	return out
}

// NodesFrom returns the nodes reachable from any node of the start set in
// BFS order, each node exactly once.
func (ps *PointerSubgraph) NodesFrom(start []*Node) []*Node {
	var out []*Node
	ps.getNodes(func(n *Node) { out = append(out, n) }, start...)
	return out
}

// Schedule pushes a single node onto the worklist. Meant for Enqueue
// overrides that want a finer discipline than the default.
func (ps *PointerSubgraph) Schedule(n *Node) { ps.queue.Push(n) }

// Enqueue reschedules work after n's processing changed some points-to
// state. The default pushes every node reachable from n, n included.
func (ps *PointerSubgraph) Enqueue(n *Node) {
	if ps.hooks.Enqueue != nil {
		ps.hooks.Enqueue(ps, n)
		return
	}
	ps.getNodes(ps.queue.Push, n)
}

// step applies the transfer function of cur with the processing hooks around
// it and reschedules on change.
func (ps *PointerSubgraph) step(cur *Node) bool {
	if ps.hooks.BeforeProcessed != nil {
		ps.hooks.BeforeProcessed(cur)
	}

	changed := ps.ProcessNode(cur)
	if changed {
		ps.Enqueue(cur)
	}

	if ps.hooks.AfterProcessed != nil {
		ps.hooks.AfterProcessed(cur)
	}

	return changed
}

func (ps *PointerSubgraph) drain() int {
	processed := 0
	for !ps.queue.Empty() {
		ps.step(ps.queue.Pop())
		processed++
	}
	return processed
}

// Run computes the fixpoint: it seeds the worklist with every node reachable
// from the root and processes until one full pass over the graph records no
// change. Termination follows from the transfer functions being monotone over
// a finite lattice.
func (ps *PointerSubgraph) Run() {
	ps.getNodes(ps.queue.Push, ps.root)
	processed := ps.drain()

	// The worklist discipline alone is not a watertight fixpoint check: the
	// initial traversal may visit a node before its inputs and observe empty
	// points-to sets. Full passes over the graph catch whatever the worklist
	// missed; the graph may also have grown through function pointer
	// resolution in the meantime.
	passes := 0
	for {
		passes++
		changed := false
		for _, n := range ps.Nodes(ps.root) {
			if ps.step(n) {
				changed = true
			}
		}

		if !changed && ps.queue.Empty() {
			break
		}
		processed += ps.drain()
	}

	log.Debugf("pointer subgraph solved: %d node visits, %d verification passes",
		processed, passes)
}

// Error reports an anomaly through the Error hook. Flow-insensitive
// configurations typically ignore it.
func (ps *PointerSubgraph) Error(at *Node, msg string) bool {
	if ps.hooks.Error != nil {
		return ps.hooks.Error(at, msg)
	}
	return false
}

// ProcessNode applies the transfer function of n and reports whether any
// points-to set changed.
func (ps *PointerSubgraph) ProcessNode(n *Node) bool {
	switch n.kind {
	case Load:
		return ps.processLoad(n)
	case Store:
		return ps.processStore(n)
	case Memcpy:
		return ps.processMemcpy(n)
	case GEP:
		return ps.processGEP(n)
	case Cast:
		return n.AddPointsToSet(&n.Operand(0).PointsTo)
	case Phi, Call, CallReturn, Return:
		changed := false
		for _, op := range n.operands {
			if n.AddPointsToSet(&op.PointsTo) {
				changed = true
			}
		}
		return changed
	case CallFuncPtr:
		return ps.processFuncPtrCall(n)
	case Alloc, DynAlloc, Function, Constant, NullAddr, UnknownMem, Entry, Noop:
		// Points-to contribution is fixed at construction or empty.
		return false
	}

	log.Panicf("unhandled node kind %v", n.kind)
	return false
}

func (ps *PointerSubgraph) processLoad(n *Node) bool {
	ptr := n.Operand(0)
	changed := false

	var objects []*MemoryObject
	for _, p := range ptr.PointsTo.Pointers() {
		objects = objects[:0]
		ps.mem.GetMemoryObjects(n, p.Target, &objects)

		for _, mo := range objects {
			ch, found := mo.ReadInto(p.Offset, &n.PointsTo)
			if ch {
				changed = true
			}
			if found {
				continue
			}

			// Nothing was ever stored at this offset. Zeroed memory reads as
			// the null pointer; anything else is left to the extension.
			if p.Target.zeroInitialized {
				if n.PointsTo.Add(Pointer{NullPointer, 0}) {
					changed = true
				}
			} else if ps.hooks.ErrorEmptyPointsTo != nil &&
				ps.hooks.ErrorEmptyPointsTo(n, p.Target) {
				changed = true
			}
		}
	}

	return changed
}

func (ps *PointerSubgraph) processStore(n *Node) bool {
	value, dest := n.Operand(0), n.Operand(1)
	changed := false

	var objects []*MemoryObject
	for _, p := range dest.PointsTo.Pointers() {
		objects = objects[:0]
		ps.mem.GetMemoryObjects(n, p.Target, &objects)

		for _, mo := range objects {
			if mo.AddPointsToSet(p.Offset, &value.PointsTo) {
				changed = true
			}
		}
	}

	return changed
}

func (ps *PointerSubgraph) processGEP(n *Node) bool {
	base := n.Operand(0)
	changed := false

	for _, p := range base.PointsTo.Pointers() {
		if n.PointsTo.Add(Pointer{p.Target, p.Offset.Add(n.offset)}) {
			changed = true
		}
	}

	return changed
}

func (ps *PointerSubgraph) processMemcpy(n *Node) bool {
	src, dst := n.Operand(0), n.Operand(1)
	changed := false

	var srcObjects, dstObjects []*MemoryObject
	for _, sp := range src.PointsTo.Pointers() {
		srcObjects = srcObjects[:0]
		ps.mem.GetMemoryObjects(n, sp.Target, &srcObjects)
		if len(srcObjects) == 0 {
			continue
		}

		for _, dp := range dst.PointsTo.Pointers() {
			dstObjects = dstObjects[:0]
			ps.mem.GetMemoryObjects(n, dp.Target, &dstObjects)

			for _, from := range srcObjects {
				for _, to := range dstObjects {
					if copyRegion(from, to, sp.Offset, dp.Offset, n.offset, n.length) {
						changed = true
					}
				}
			}
		}
	}

	return changed
}

// copyRegion copies the points-to state of the region starting at srcOff+off
// of length bytes in from into the matching region starting at dstOff+off in
// to. When any of the offsets or the length is unknown the copy degrades to a
// full-object union at the unknown offset (weak).
func copyRegion(from, to *MemoryObject, srcOff, dstOff, off, length Offset) bool {
	srcStart := srcOff.Add(off)
	dstStart := dstOff.Add(off)
	changed := false

	if srcStart.IsUnknown() || dstStart.IsUnknown() || length.IsUnknown() {
		for _, b := range from.buckets {
			if to.AddPointsToSet(UnknownOffset, b) {
				changed = true
			}
		}
		return changed
	}

	for o, b := range from.buckets {
		switch {
		case o.IsUnknown():
			// Stores at unknown offsets may fall inside the copied region.
			if to.AddPointsToSet(UnknownOffset, b) {
				changed = true
			}
		case o >= srcStart && o-srcStart < length:
			if to.AddPointsToSet(dstStart.Add(o-srcStart), b) {
				changed = true
			}
		}
	}

	return changed
}

func (ps *PointerSubgraph) processFuncPtrCall(n *Node) bool {
	fp := n.Operand(0)
	changed := false

	for _, p := range fp.PointsTo.Pointers() {
		if p.Target.kind != Function {
			continue
		}

		seen := ps.resolved[n]
		if seen[p.Target] {
			continue
		}
		if seen == nil {
			seen = make(map[*Node]bool)
			ps.resolved[n] = seen
		}
		seen[p.Target] = true

		if ps.hooks.FunctionPointerCall != nil &&
			ps.hooks.FunctionPointerCall(n, p.Target) {
			changed = true
		}
	}

	return changed
}
