package psg

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// NodeKind identifies the memory-relevant operation a Node models. The
// enumeration is closed; construction goes through the per-kind constructors
// so that every node carries exactly the operands its kind requires.
type NodeKind uint8

const (
	Alloc NodeKind = iota + 1
	DynAlloc
	Load
	Store
	GEP
	Phi
	Cast
	// Function represents the function object in memory, so that it can be
	// pointed to and passed around. It behaves like Alloc but keeping it as a
	// separate kind gives us type checking of function pointer calls.
	Function
	// Call represents a call of a subprocedure. Its points-to set is the
	// union of its operands, like Phi.
	Call
	// CallFuncPtr is a call through a function pointer. The single operand
	// bears the callable targets.
	CallFuncPtr
	// CallReturn is the site where a call returns, gathering the pointers
	// returned from the subprocedure. Works like Phi.
	CallReturn
	// Entry marks the entry of a subprocedure. No points-to computation is
	// performed on it.
	Entry
	// Return gathers the pointers returned from a subprocedure, like Phi.
	Return
	// Constant keeps a single points-to relation that never changes.
	Constant
	// Noop can be used as a branch or join node for convenient subgraph
	// construction. No points-to computation is performed on it.
	Noop
	Memcpy
	// NullAddr and UnknownMem are the kinds of the two sentinel singletons.
	NullAddr
	UnknownMem
)

var kindNames = [...]string{
	Alloc:       "alloc",
	DynAlloc:    "dyn-alloc",
	Load:        "load",
	Store:       "store",
	GEP:         "gep",
	Phi:         "phi",
	Cast:        "cast",
	Function:    "function",
	Call:        "call",
	CallFuncPtr: "call-funcptr",
	CallReturn:  "call-return",
	Entry:       "entry",
	Return:      "return",
	Constant:    "constant",
	Noop:        "noop",
	Memcpy:      "memcpy",
	NullAddr:    "null",
	UnknownMem:  "unknown-mem",
}

func (k NodeKind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// Node is a single operation in a pointer subgraph. Control flow runs along
// the successor edges; operands reference the nodes whose points-to sets the
// operation consumes.
type Node struct {
	kind NodeKind

	operands     []*Node
	successors   []*Node
	predecessors []*Node

	// Displacement for GEP and Memcpy, copied length for Memcpy.
	offset Offset
	length Offset

	// Some nodes come in pairs, like call and call-return or formal and
	// actual parameters. The builder can link them here; the solver itself
	// never reads the link.
	paired *Node

	zeroInitialized bool
	heap            bool
	size            uint64
	name            string

	// Visit mark for the traversal enumerator.
	dfsid uint32

	// Scratch slots: data belongs to the analysis extension, userData to the
	// client that built the graph.
	data     any
	userData any

	// PointsTo is the points-to set computed for this node. It is the reason
	// the node exists, so it is not hidden behind accessors.
	PointsTo PointsToSet
}

func newNode(k NodeKind, operands ...*Node) *Node {
	for _, op := range operands {
		if op == nil {
			log.Panicf("nil operand for %v node", k)
		}
	}
	return &Node{kind: k, operands: operands}
}

func newAllocation(k NodeKind) *Node {
	n := newNode(k)
	// Allocation sites point to themselves; the entry is never removed.
	n.PointsTo.Add(Pointer{n, 0})
	return n
}

func NewAlloc() *Node    { return newAllocation(Alloc) }
func NewDynAlloc() *Node { return newAllocation(DynAlloc) }
func NewFunction() *Node { return newAllocation(Function) }
func NewNoop() *Node     { return newNode(Noop) }
func NewEntry() *Node    { return newNode(Entry) }

// NewCast returns a node copying the points-to set of x. Casts only copy
// pointers, so they can be optimized away later.
func NewCast(x *Node) *Node { return newNode(Cast, x) }

// NewLoad returns a node reading the memory pointed to by ptr.
func NewLoad(ptr *Node) *Node { return newNode(Load, ptr) }

// NewStore returns a node storing value into the memory pointed to by dest.
func NewStore(value, dest *Node) *Node { return newNode(Store, value, dest) }

// NewGEP returns a node offsetting every pointer of base by off
// (get element pointer).
func NewGEP(base *Node, off Offset) *Node {
	n := newNode(GEP, base)
	n.offset = off
	return n
}

// NewMemcpy returns a node copying length bytes of the memory reachable from
// src, starting at off, into the memory reachable from dst.
func NewMemcpy(src, dst *Node, off, length Offset) *Node {
	n := newNode(Memcpy, src, dst)
	n.offset = off
	n.length = length
	return n
}

func NewPhi(operands ...*Node) *Node        { return newNode(Phi, operands...) }
func NewCall(operands ...*Node) *Node       { return newNode(Call, operands...) }
func NewCallReturn(operands ...*Node) *Node { return newNode(CallReturn, operands...) }
func NewReturn(operands ...*Node) *Node     { return newNode(Return, operands...) }

// NewCallFuncPtr returns a call through the function pointers carried by fp.
func NewCallFuncPtr(fp *Node) *Node { return newNode(CallFuncPtr, fp) }

// NewConstant returns a node with the single, immutable points-to relation
// (target, off).
func NewConstant(target *Node, off Offset) *Node {
	if target == nil {
		log.Panicf("nil target for constant node")
	}
	n := newNode(Constant)
	n.offset = off
	n.PointsTo.Add(Pointer{target, off})
	return n
}

// The two sentinel nodes. NullPointer stands for the null address and points
// to itself at offset 0; UnknownMemory stands for statically unresolvable
// memory and points to itself at the unknown offset. Both are read-only after
// initialization and shared by every subgraph in the process.
var (
	NullPointer   = newSentinel(NullAddr, 0)
	UnknownMemory = newSentinel(UnknownMem, UnknownOffset)
)

func newSentinel(k NodeKind, off Offset) *Node {
	n := newNode(k)
	n.PointsTo.Add(Pointer{n, off})
	return n
}

func (n *Node) Kind() NodeKind { return n.kind }

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.name != "" {
		return n.name
	}
	return n.kind.String()
}

// Operand returns the idx-th operand. The index must be in range.
func (n *Node) Operand(idx int) *Node {
	if idx < 0 || idx >= len(n.operands) {
		log.Panicf("operand index %d out of range for %v node with %d operands",
			idx, n.kind, len(n.operands))
	}
	return n.operands[idx]
}

// Operands returns the operand list. The returned slice must not be modified.
func (n *Node) Operands() []*Node { return n.operands }

// AddOperand appends op and returns the new operand count.
func (n *Node) AddOperand(op *Node) int {
	if op == nil {
		log.Panicf("nil operand for %v node", n.kind)
	}
	n.operands = append(n.operands, op)
	return len(n.operands)
}

// Successors returns the control-flow successors. The returned slice must not
// be modified other than through the mutation primitives.
func (n *Node) Successors() []*Node { return n.successors }

// Predecessors returns the control-flow predecessors. The returned slice must
// not be modified other than through the mutation primitives.
func (n *Node) Predecessors() []*Node { return n.predecessors }

// SingleSuccessor returns the sole successor of n; it panics when n does not
// have exactly one.
func (n *Node) SingleSuccessor() *Node {
	if len(n.successors) != 1 {
		log.Panicf("%v node has %d successors, want 1", n.kind, len(n.successors))
	}
	return n.successors[0]
}

// SinglePredecessor returns the sole predecessor of n; it panics when n does
// not have exactly one.
func (n *Node) SinglePredecessor() *Node {
	if len(n.predecessors) != 1 {
		log.Panicf("%v node has %d predecessors, want 1", n.kind, len(n.predecessors))
	}
	return n.predecessors[0]
}

// Offset returns the displacement of a GEP or Memcpy node.
func (n *Node) Offset() Offset { return n.offset }

// Length returns the copied length of a Memcpy node.
func (n *Node) Length() Offset { return n.length }

func (n *Node) PairedNode() *Node       { return n.paired }
func (n *Node) SetPairedNode(p *Node)   { n.paired = p }
func (n *Node) SetZeroInitialized()     { n.zeroInitialized = true }
func (n *Node) IsZeroInitialized() bool { return n.zeroInitialized }
func (n *Node) SetIsHeap()              { n.heap = true }
func (n *Node) IsHeap() bool            { return n.heap }
func (n *Node) SetSize(s uint64)        { n.size = s }
func (n *Node) Size() uint64            { return n.size }
func (n *Node) SetName(name string)     { n.name = name }
func (n *Node) Name() string            { return n.name }

func (n *Node) IsNull() bool          { return n.kind == NullAddr }
func (n *Node) IsUnknownMemory() bool { return n.kind == UnknownMem }

// SetData stores the analysis extension's scratch value and returns the
// previous one.
func (n *Node) SetData(d any) any {
	old := n.data
	n.data = d
	return old
}

func (n *Node) Data() any { return n.data }

// SetUserData stores the client's scratch value and returns the previous one.
func (n *Node) SetUserData(d any) any {
	old := n.userData
	n.userData = d
	return old
}

func (n *Node) UserData() any { return n.userData }

// hasConstantPointsTo reports whether the node's points-to set is fixed at
// construction and must never change.
func (n *Node) hasConstantPointsTo() bool {
	switch n.kind {
	case Constant, NullAddr, UnknownMem:
		return true
	}
	return false
}

// AddPointsTo adds (target, off) to the node's points-to set and reports
// whether the set grew.
func (n *Node) AddPointsTo(target *Node, off Offset) bool {
	if n.hasConstantPointsTo() {
		log.Panicf("points-to set of a %v node is immutable", n.kind)
	}
	return n.PointsTo.Add(Pointer{target, off})
}

// AddPointsToSet unions pts into the node's points-to set and reports whether
// the set grew.
func (n *Node) AddPointsToSet(pts *PointsToSet) bool {
	if n.hasConstantPointsTo() {
		log.Panicf("points-to set of a %v node is immutable", n.kind)
	}
	return n.PointsTo.AddAll(pts)
}

// DoesPointsTo reports whether (target, off) is a member of the node's
// points-to set.
func (n *Node) DoesPointsTo(target *Node, off Offset) bool {
	return n.PointsTo.Has(Pointer{target, off})
}

// AddSuccessor appends the control-flow edge n → succ, keeping the
// predecessor list of succ in lockstep.
func (n *Node) AddSuccessor(succ *Node) {
	n.successors = append(n.successors, succ)
	succ.predecessors = append(succ.predecessors, n)
}

func removeEdgeRef(edges []*Node, target *Node) []*Node {
	for i, e := range edges {
		if e == target {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	log.Panicf("edge reference to %v not found", target)
	return nil
}

// ReplaceSingleSuccessor swaps the sole outgoing edge of n for n → succ,
// removing the back-edge from the old successor's predecessor list. n must
// have exactly one successor.
func (n *Node) ReplaceSingleSuccessor(succ *Node) {
	if len(n.successors) != 1 {
		log.Panicf("%v node has %d successors, want 1", n.kind, len(n.successors))
	}

	old := n.successors[0]
	n.successors = n.successors[:0]
	old.predecessors = removeEdgeRef(old.predecessors, n)

	n.AddSuccessor(succ)
}

// InsertAfter splices n into the graph directly after pos. n must not be in
// any subgraph yet: it takes over the successors of pos and becomes its sole
// successor.
func (n *Node) InsertAfter(pos *Node) {
	if len(n.predecessors) != 0 || len(n.successors) != 0 {
		log.Panicf("inserted %v node already has edges", n.kind)
	}

	n.successors, pos.successors = pos.successors, nil
	pos.AddSuccessor(n)

	// The old successors still refer to pos; rewrite the back-edges.
	for _, succ := range n.successors {
		for i, p := range succ.predecessors {
			if p == pos {
				succ.predecessors[i] = n
			}
		}
	}
}

// InsertBefore splices n into the graph directly before pos. n must not be in
// any subgraph yet: it takes over the predecessors of pos and becomes its
// sole predecessor.
func (n *Node) InsertBefore(pos *Node) {
	if len(n.predecessors) != 0 || len(n.successors) != 0 {
		log.Panicf("inserted %v node already has edges", n.kind)
	}

	n.predecessors, pos.predecessors = pos.predecessors, nil
	n.AddSuccessor(pos)

	for _, pred := range n.predecessors {
		for i, s := range pred.successors {
			if s == pos {
				pred.successors[i] = n
			}
		}
	}
}

// InsertSequenceBefore splices the disjoint chain first … last before n. The
// chain must not be in any subgraph: first takes over the predecessors of n
// and last becomes its sole predecessor.
func (n *Node) InsertSequenceBefore(first, last *Node) {
	if len(first.predecessors) != 0 {
		log.Panicf("first %v node of inserted sequence already has predecessors", first.kind)
	}
	if len(last.successors) != 0 {
		log.Panicf("last %v node of inserted sequence already has successors", last.kind)
	}

	first.predecessors, n.predecessors = n.predecessors, nil

	for _, pred := range first.predecessors {
		for i, s := range pred.successors {
			if s == n {
				pred.successors[i] = first
			}
		}
	}

	last.AddSuccessor(n)
}
