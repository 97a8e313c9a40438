package psg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain links the nodes into a straight control-flow sequence and returns the
// first one.
func chain(nodes ...*Node) *Node {
	for i := 0; i+1 < len(nodes); i++ {
		nodes[i].AddSuccessor(nodes[i+1])
	}
	return nodes[0]
}

func TestSolverConfig(t *testing.T) {
	assert.Panics(t, func() { New(Config{Memory: NewFlowInsensitive()}) })
	assert.Panics(t, func() { New(Config{Root: NewEntry()}) })
}

func TestStoreLoad(t *testing.T) {
	// *b = a; *c = b; x = *c; y = *x
	a, b, c := NewAlloc(), NewAlloc(), NewAlloc()
	storeA := NewStore(a, b)
	storeB := NewStore(b, c)
	loadB := NewLoad(b)
	loadX := NewLoad(c)
	loadY := NewLoad(loadX)

	root := chain(NewEntry(), a, b, c, storeA, storeB, loadB, loadX, loadY)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t, []Pointer{{a, 0}}, loadB.PointsTo.Pointers())
	assert.ElementsMatch(t, []Pointer{{b, 0}}, loadX.PointsTo.Pointers())
	assert.ElementsMatch(t, []Pointer{{a, 0}}, loadY.PointsTo.Pointers(),
		"load through x must follow one more indirection via b's single field")
}

func TestLoadFromZeroInitialized(t *testing.T) {
	b := NewAlloc()
	b.SetZeroInitialized()
	load := NewLoad(b)

	root := chain(NewEntry(), b, load)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t, []Pointer{{NullPointer, 0}}, load.PointsTo.Pointers(),
		"a never-written field of zeroed memory reads as null")
}

func TestLoadEmptyPointsToHook(t *testing.T) {
	a := NewAlloc()
	load := NewLoad(a)

	hookCalled := false
	hooks := Hooks{
		ErrorEmptyPointsTo: func(from, to *Node) bool {
			hookCalled = true
			assert.Same(t, load, from)
			assert.Same(t, a, to)
			// The return value must reflect whether anything changed, or
			// the solver would never observe a no-change pass.
			return from.AddPointsTo(UnknownMemory, UnknownOffset)
		},
	}

	root := chain(NewEntry(), a, load)
	AnalyzeFlowInsensitive(root, hooks)

	assert.True(t, hookCalled)
	assert.ElementsMatch(t,
		[]Pointer{{UnknownMemory, UnknownOffset}},
		load.PointsTo.Pointers())
}

func TestGEP(t *testing.T) {
	a := NewAlloc()
	gep4 := NewGEP(a, 4)
	gepU := NewGEP(a, UnknownOffset)
	gep8 := NewGEP(gep4, 4)

	root := chain(NewEntry(), a, gep4, gepU, gep8)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t, []Pointer{{a, 4}}, gep4.PointsTo.Pointers())
	assert.ElementsMatch(t, []Pointer{{a, UnknownOffset}}, gepU.PointsTo.Pointers())
	assert.ElementsMatch(t, []Pointer{{a, 8}}, gep8.PointsTo.Pointers(),
		"offsets of chained geps must accumulate")
}

func TestPhi(t *testing.T) {
	// *p = a; *q = b; x = *p; y = *q; phi(x, y)
	a, b, p, q := NewAlloc(), NewAlloc(), NewAlloc(), NewAlloc()
	storeA := NewStore(a, p)
	storeB := NewStore(b, q)
	loadX := NewLoad(p)
	loadY := NewLoad(q)
	phi := NewPhi(loadX, loadY)

	root := chain(NewEntry(), a, b, p, q, storeA, storeB, loadX, loadY, phi)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t, []Pointer{{a, 0}}, loadX.PointsTo.Pointers())
	assert.ElementsMatch(t, []Pointer{{b, 0}}, loadY.PointsTo.Pointers())
	assert.ElementsMatch(t,
		[]Pointer{{a, 0}, {b, 0}},
		phi.PointsTo.Pointers())
}

func TestCast(t *testing.T) {
	a := NewAlloc()
	cast := NewCast(a)

	root := chain(NewEntry(), a, cast)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t, []Pointer{{a, 0}}, cast.PointsTo.Pointers())
}

func TestMemcpy(t *testing.T) {
	t.Run("ConcreteRegion", func(t *testing.T) {
		// *a = c; memcpy(a, b, 0, 8); x = *b
		a, b, c := NewAlloc(), NewAlloc(), NewAlloc()
		store := NewStore(c, a)
		cpy := NewMemcpy(a, b, 0, 8)
		load := NewLoad(b)

		root := chain(NewEntry(), a, b, c, store, cpy, load)
		AnalyzeFlowInsensitive(root, Hooks{})

		assert.ElementsMatch(t, []Pointer{{c, 0}}, load.PointsTo.Pointers(),
			"b's field at offset 0 must point to c after the copy")
	})

	t.Run("RegionBounds", func(t *testing.T) {
		// The field at offset 16 lies outside the copied region [0, 8).
		a, b, c, d := NewAlloc(), NewAlloc(), NewAlloc(), NewAlloc()
		gep := NewGEP(a, 16)
		storeIn := NewStore(c, a)
		storeOut := NewStore(d, gep)
		cpy := NewMemcpy(a, b, 0, 8)
		loadHead := NewLoad(b)
		gepDst := NewGEP(b, 16)
		loadTail := NewLoad(gepDst)

		root := chain(NewEntry(), a, b, c, d, gep, storeIn, storeOut, cpy,
			loadHead, gepDst, loadTail)
		AnalyzeFlowInsensitive(root, Hooks{})

		assert.ElementsMatch(t, []Pointer{{c, 0}}, loadHead.PointsTo.Pointers())
		assert.True(t, loadTail.PointsTo.Empty(),
			"fields outside the copied region must not be copied")
	})

	t.Run("UnknownLength", func(t *testing.T) {
		// An unknown length degrades to a full-object weak copy.
		a, b, c, d := NewAlloc(), NewAlloc(), NewAlloc(), NewAlloc()
		gep := NewGEP(a, 16)
		store0 := NewStore(c, a)
		store16 := NewStore(d, gep)
		cpy := NewMemcpy(a, b, 0, UnknownOffset)
		load := NewLoad(b)

		root := chain(NewEntry(), a, b, c, d, gep, store0, store16, cpy, load)
		AnalyzeFlowInsensitive(root, Hooks{})

		assert.ElementsMatch(t,
			[]Pointer{{c, 0}, {d, 0}},
			load.PointsTo.Pointers())
	})
}

func TestCallReturn(t *testing.T) {
	// ret gathers the returned pointers, callRet mirrors them at the callsite.
	a, b := NewAlloc(), NewAlloc()
	ret := NewReturn(a, b)
	callRet := NewCallReturn(ret)
	call := NewCall()
	call.SetPairedNode(callRet)

	root := chain(NewEntry(), a, b, call, ret, callRet)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t,
		[]Pointer{{a, 0}, {b, 0}},
		ret.PointsTo.Pointers())
	assert.ElementsMatch(t,
		[]Pointer{{a, 0}, {b, 0}},
		callRet.PointsTo.Pointers())
}

func TestFunctionPointerCall(t *testing.T) {
	fun := NewFunction()
	fp := NewConstant(fun, 0)
	call := NewCallFuncPtr(fp)
	target, dst := NewAlloc(), NewAlloc()

	var attachedLoad *Node
	calls := 0
	hooks := Hooks{
		FunctionPointerCall: func(where, what *Node) bool {
			calls++
			assert.Same(t, call, where)
			assert.Same(t, fun, what)

			// Attach the callee's effect behind the callsite: *dst = target;
			// x = *dst.
			store := NewStore(target, dst)
			attachedLoad = NewLoad(dst)
			store.AddSuccessor(attachedLoad)
			where.AddSuccessor(store)
			return true
		},
	}

	root := chain(NewEntry(), target, dst, call)
	fi := NewFlowInsensitive()
	ps := New(Config{Root: root, Memory: fi, Hooks: hooks})
	ps.Run()

	assert.Equal(t, 1, calls, "hook must fire exactly once per callee per solve")

	// The nodes attached by the hook were discovered and solved.
	require.NotNil(t, attachedLoad)
	assert.ElementsMatch(t,
		[]Pointer{{target, 0}},
		attachedLoad.PointsTo.Pointers())
}

func TestFunctionPointerCallIgnoresNonFunctions(t *testing.T) {
	a := NewAlloc()
	fp := NewConstant(a, 0)
	call := NewCallFuncPtr(fp)

	calls := 0
	hooks := Hooks{
		FunctionPointerCall: func(where, what *Node) bool {
			calls++
			return false
		},
	}

	AnalyzeFlowInsensitive(chain(NewEntry(), a, call), hooks)
	assert.Zero(t, calls, "only function nodes are callable")
}

func TestFixpoint(t *testing.T) {
	// After Run, one more pass over all reachable nodes records no change.
	a, b, c := NewAlloc(), NewAlloc(), NewAlloc()
	storeA := NewStore(a, b)
	storeB := NewStore(b, c)
	loadX := NewLoad(c)
	loadY := NewLoad(loadX)
	phi := NewPhi(loadX, loadY)
	gep := NewGEP(phi, UnknownOffset)

	root := chain(NewEntry(), a, b, c, storeA, storeB, loadX, loadY, phi, gep)
	fi := NewFlowInsensitive()
	ps := New(Config{Root: root, Memory: fi})
	ps.Run()

	for _, n := range ps.Nodes(nil) {
		assert.False(t, ps.ProcessNode(n), "%s changed after fixpoint", n)
	}
}

func TestOrderIndependence(t *testing.T) {
	// A load sequenced before the store that feeds it must still observe the
	// stored pointers at fixpoint.
	a, b := NewAlloc(), NewAlloc()
	load := NewLoad(b)
	store := NewStore(a, b)

	root := chain(NewEntry(), a, b, load, store)
	AnalyzeFlowInsensitive(root, Hooks{})

	assert.ElementsMatch(t, []Pointer{{a, 0}}, load.PointsTo.Pointers())
}

func TestTraversal(t *testing.T) {
	// Diamond with a back edge:
	//   root → a → b → d → root, a → c → d
	root, a, b, c, d := NewEntry(), NewNoop(), NewNoop(), NewNoop(), NewNoop()
	root.AddSuccessor(a)
	a.AddSuccessor(b)
	a.AddSuccessor(c)
	b.AddSuccessor(d)
	c.AddSuccessor(d)
	d.AddSuccessor(root)

	unreachable := NewNoop()

	ps := New(Config{Root: root, Memory: NewFlowInsensitive()})

	t.Run("FromRoot", func(t *testing.T) {
		nodes := ps.Nodes(nil)
		assert.ElementsMatch(t, []*Node{root, a, b, c, d}, nodes,
			"every reachable node exactly once")
		assert.Same(t, root, nodes[0], "BFS starts at the start node")
		assert.NotContains(t, nodes, unreachable)
	})

	t.Run("FromStartNode", func(t *testing.T) {
		assert.ElementsMatch(t, []*Node{b, d, root, a, c}, ps.Nodes(b))
	})

	t.Run("FromStartSet", func(t *testing.T) {
		nodes := ps.NodesFrom([]*Node{b, c})
		assert.ElementsMatch(t, []*Node{b, c, d, root, a}, nodes)

		// Repeated traversals use fresh visit marks.
		again := ps.NodesFrom([]*Node{b, c})
		assert.ElementsMatch(t, nodes, again)
	})
}

func TestProcessingHooks(t *testing.T) {
	var before, after []*Node
	hooks := Hooks{
		BeforeProcessed: func(n *Node) { before = append(before, n) },
		AfterProcessed:  func(n *Node) { after = append(after, n) },
	}

	a := NewAlloc()
	cast := NewCast(a)
	root := chain(NewEntry(), a, cast)
	AnalyzeFlowInsensitive(root, hooks)

	assert.Equal(t, len(before), len(after),
		"every processed node sees both hooks")
	assert.Contains(t, before, cast)
}

func TestEnqueueOverride(t *testing.T) {
	// Pushing only the direct successors instead of everything reachable
	// must still reach the same fixpoint.
	hooks := Hooks{
		Enqueue: func(ps *PointerSubgraph, changed *Node) {
			for _, succ := range changed.Successors() {
				ps.Schedule(succ)
			}
		},
	}

	a, b, c := NewAlloc(), NewAlloc(), NewAlloc()
	storeA := NewStore(a, b)
	storeB := NewStore(b, c)
	loadX := NewLoad(c)
	loadY := NewLoad(loadX)

	root := chain(NewEntry(), a, b, c, storeA, storeB, loadX, loadY)
	AnalyzeFlowInsensitive(root, hooks)

	assert.ElementsMatch(t, []Pointer{{b, 0}}, loadX.PointsTo.Pointers())
	assert.ElementsMatch(t, []Pointer{{a, 0}}, loadY.PointsTo.Pointers())
}

func TestErrorHook(t *testing.T) {
	root := NewEntry()
	ps := New(Config{Root: root, Memory: NewFlowInsensitive()})
	assert.False(t, ps.Error(root, "anomaly"), "default error hook reports no change")

	called := false
	ps = New(Config{
		Root:   root,
		Memory: NewFlowInsensitive(),
		Hooks: Hooks{
			Error: func(at *Node, msg string) bool {
				called = true
				assert.Equal(t, "anomaly", msg)
				return true
			},
		},
	})
	assert.True(t, ps.Error(root, "anomaly"))
	assert.True(t, called)
}

func TestMonotonicity(t *testing.T) {
	// Points-to sets only grow across solver steps, modulo saturation which
	// shrinks the entry count while enlarging the denoted set.
	a, b := NewAlloc(), NewAlloc()
	gepU := NewGEP(a, UnknownOffset)
	phi := NewPhi(a, b, gepU)

	root := chain(NewEntry(), a, b, gepU, phi)
	fi := NewFlowInsensitive()
	ps := New(Config{Root: root, Memory: fi})

	snapshot := func() map[Pointer]bool {
		m := make(map[Pointer]bool)
		phi.PointsTo.Iterate(func(p Pointer) { m[p] = true })
		return m
	}

	// First step: gepU is still empty, phi sees only the allocations.
	assert.True(t, ps.ProcessNode(phi))
	before := snapshot()
	assert.True(t, before[Pointer{a, 0}])

	// Second step: gepU contributes (a, unknown), which saturates a.
	assert.True(t, ps.ProcessNode(gepU))
	assert.True(t, ps.ProcessNode(phi))
	after := snapshot()

	for p := range before {
		if !after[p] {
			// An entry may only vanish by saturation of its target.
			assert.True(t, after[Pointer{p.Target, UnknownOffset}],
				"%v disappeared without saturation", p)
		}
	}

	assert.ElementsMatch(t,
		[]Pointer{{a, UnknownOffset}, {b, 0}},
		phi.PointsTo.Pointers(),
		"(a, 0) is subsumed by (a, unknown)")
}
