// Package irgen translates the SSA form of a Go program into a pointer
// subgraph. Memory-relevant instructions become nodes, basic blocks become
// chains linked along the control flow, and calls stitch the per-function
// subgraphs together. Calls through function pointers are left open and
// resolved during solving through the FunctionPointerCall hook.
package irgen

import (
	"go/token"
	"go/types"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/BarrensZeppelin/psg"
	"github.com/BarrensZeppelin/psg/internal/queue"
)

type Config struct {
	Program *ssa.Program

	// EntryPackages lists the packages whose main and init functions seed
	// the subgraph. Defaults to the main packages of the program.
	EntryPackages []*ssa.Package

	// Sizes lays out struct fields for gep displacements and allocation
	// sizes. Defaults to 64-bit standard sizes.
	Sizes types.Sizes
}

type Result struct {
	// Root of the built subgraph; hand it to the solver.
	Root *psg.Node

	// CallGraph contains the statically wired call edges; edges for calls
	// through function pointers are added as the solve resolves them.
	CallGraph *callgraph.Graph

	// Reachable holds the functions the translation visited.
	Reachable map[*ssa.Function]bool

	// Solver is set by Analyze.
	Solver *psg.PointerSubgraph

	b *builder
}

// Node returns the subgraph node standing for v, or nil when the translation
// created none.
func (r *Result) Node(v ssa.Value) *psg.Node { return r.b.vals[v] }

// FunctionNode returns the function object node of f, or nil when f was
// never referenced.
func (r *Result) FunctionNode(f *ssa.Function) *psg.Node { return r.b.funcNodes[f] }

// Hooks returns the solver hooks that resolve calls through function
// pointers by attaching the callee's subgraph on demand.
func (r *Result) Hooks() psg.Hooks {
	return psg.Hooks{FunctionPointerCall: r.b.functionPointerCall}
}

// Build translates the program into a pointer subgraph, starting from the
// entry packages and following static calls.
func Build(config Config) *Result {
	prog := config.Program

	sizes := config.Sizes
	if sizes == nil {
		sizes = &types.StdSizes{WordSize: 8, MaxAlign: 8}
	}

	entries := config.EntryPackages
	if entries == nil {
		entries = ssautil.MainPackages(prog.AllPackages())
	}

	b := &builder{
		prog:      prog,
		sizes:     sizes,
		vals:      make(map[ssa.Value]*psg.Node),
		funcs:     make(map[*ssa.Function]*funcGraph),
		funcNodes: make(map[*ssa.Function]*psg.Node),
		funcOf:    make(map[*psg.Node]*ssa.Function),
		sites:     make(map[*psg.Node]*funcPtrSite),
		visited:   make(map[*ssa.Function]bool),
	}

	cgRoot := prog.NewFunction("<root>", new(types.Signature), "root of callgraph")
	b.cg = callgraph.New(cgRoot)

	b.root = psg.NewEntry()
	b.root.SetName("<root>")

	for _, pkg := range entries {
		for _, name := range [...]string{"main", "init"} {
			if fun := pkg.Func(name); fun != nil {
				fg := b.funcGraph(fun)
				b.root.AddSuccessor(fg.entry)
				callgraph.AddEdge(b.cg.CreateNode(cgRoot), nil, b.cg.CreateNode(fun))
			}
		}
	}

	b.buildQueued()

	log.Debugf("irgen: translated %d functions", len(b.visited))

	return &Result{
		Root:      b.root,
		CallGraph: b.cg,
		Reachable: b.visited,
		b:         b,
	}
}

// Analyze builds the subgraph and runs a flow-insensitive solve over it.
func Analyze(config Config) *Result {
	r := Build(config)
	r.Solver = psg.New(psg.Config{
		Root:   r.Root,
		Memory: psg.NewFlowInsensitive(),
		Hooks:  r.Hooks(),
	})
	r.Solver.Run()
	return r
}

type builder struct {
	prog  *ssa.Program
	sizes types.Sizes

	root *psg.Node
	cg   *callgraph.Graph

	vals      map[ssa.Value]*psg.Node
	funcs     map[*ssa.Function]*funcGraph
	funcNodes map[*ssa.Function]*psg.Node
	funcOf    map[*psg.Node]*ssa.Function
	sites     map[*psg.Node]*funcPtrSite

	queue   queue.Queue[*ssa.Function]
	visited map[*ssa.Function]bool
}

// funcGraph is the interprocedural surface of one translated function: an
// entry node, a phi per parameter gathering the actuals of every callsite,
// and a return node gathering the returned pointers.
type funcGraph struct {
	entry  *psg.Node
	ret    *psg.Node
	params []*psg.Node
}

// funcPtrSite remembers a call through a function pointer so the callee can
// be wired in when the solve discovers it.
type funcPtrSite struct {
	caller *ssa.Function
	call   ssa.CallInstruction
	// args holds the translated pointer-like arguments, positionally; nil
	// for arguments that cannot carry pointers.
	args []*psg.Node
}

type phiFixup struct {
	phi  *ssa.Phi
	node *psg.Node
}

// pointerLike reports whether values of type t can carry pointers the
// analysis tracks.
func pointerLike(t types.Type) bool {
	switch t := t.(type) {
	case *types.Pointer,
		*types.Map,
		*types.Chan,
		*types.Slice,
		*types.Interface,
		*types.Signature:
		return true
	case *types.Named:
		return pointerLike(t.Underlying())
	default:
		return false
	}
}

// value returns the node standing for v, creating it for constants, globals
// and function references. Values the translation does not model resolve to
// a constant unknown pointer.
func (b *builder) value(v ssa.Value) *psg.Node {
	if n, ok := b.vals[v]; ok {
		return n
	}

	var n *psg.Node
	switch v := v.(type) {
	case *ssa.Const:
		if v.IsNil() {
			n = psg.NewConstant(psg.NullPointer, 0)
		} else {
			n = psg.NewConstant(psg.UnknownMemory, psg.UnknownOffset)
		}

	case *ssa.Function:
		return b.functionNode(v)

	case *ssa.Global:
		n = psg.NewAlloc()
		n.SetZeroInitialized()
		n.SetName(v.String())
		if sz := b.sizes.Sizeof(v.Type().(*types.Pointer).Elem()); sz > 0 {
			n.SetSize(uint64(sz))
		}

	default:
		n = psg.NewConstant(psg.UnknownMemory, psg.UnknownOffset)
	}

	b.vals[v] = n
	return n
}

// functionNode returns the function object node of f, the target of function
// pointers.
func (b *builder) functionNode(f *ssa.Function) *psg.Node {
	n := b.funcNodes[f]
	if n == nil {
		n = psg.NewFunction()
		n.SetName(f.String())
		b.funcNodes[f] = n
		b.funcOf[n] = f
		b.vals[f] = n
	}
	return n
}

// funcGraph returns the interprocedural surface of f, queueing the body for
// translation on first use.
func (b *builder) funcGraph(f *ssa.Function) *funcGraph {
	fg := b.funcs[f]
	if fg != nil {
		return fg
	}

	fg = &funcGraph{entry: psg.NewEntry(), ret: psg.NewReturn()}
	fg.entry.SetName(f.String() + ":entry")
	fg.ret.SetName(f.String() + ":return")
	fg.entry.SetPairedNode(fg.ret)

	fg.params = make([]*psg.Node, len(f.Params))
	for i, p := range f.Params {
		phi := psg.NewPhi()
		phi.SetName(f.String() + ":" + p.Name())
		b.vals[p] = phi
		fg.params[i] = phi
	}

	b.funcs[f] = fg
	b.visited[f] = true
	b.queue.Push(f)
	return fg
}

func (b *builder) buildQueued() {
	for !b.queue.Empty() {
		b.buildBody(b.queue.Pop())
	}
}

func (b *builder) buildBody(fun *ssa.Function) {
	fg := b.funcs[fun]
	log.Debugf("irgen: translating %s", fun)

	tail := fg.entry
	for _, p := range fg.params {
		tail.AddSuccessor(p)
		tail = p
	}

	if len(fun.Blocks) == 0 {
		// External function: nothing flows from the parameters to the
		// return, so the result stays empty.
		tail.AddSuccessor(fg.ret)
		return
	}

	blockFirst := make(map[*ssa.BasicBlock]*psg.Node, len(fun.Blocks))
	blockLast := make(map[*ssa.BasicBlock]*psg.Node, len(fun.Blocks))
	var phis []phiFixup

	// Dominators come first in DomPreorder, so operands of non-phi
	// instructions are always translated before their uses.
	for _, block := range fun.DomPreorder() {
		var first, last *psg.Node
		emit := func(n *psg.Node) {
			if first == nil {
				first = n
			} else {
				last.AddSuccessor(n)
			}
			last = n
		}

		for _, insn := range block.Instrs {
			b.instruction(fun, fg, insn, emit, &phis)
		}

		if first == nil {
			noop := psg.NewNoop()
			first, last = noop, noop
		}
		blockFirst[block] = first
		blockLast[block] = last
	}

	tail.AddSuccessor(blockFirst[fun.Blocks[0]])

	for block, last := range blockLast {
		if n := len(block.Instrs); n > 0 {
			if _, isRet := block.Instrs[n-1].(*ssa.Return); isRet {
				last.AddSuccessor(fg.ret)
				continue
			}
		}
		for _, succ := range block.Succs {
			if f, ok := blockFirst[succ]; ok {
				last.AddSuccessor(f)
			}
		}
	}

	// Phi edges may come from blocks translated later; wire them last.
	for _, fix := range phis {
		for _, e := range fix.phi.Edges {
			fix.node.AddOperand(b.value(e))
		}
	}
}

func (b *builder) instruction(fun *ssa.Function, fg *funcGraph,
	insn ssa.Instruction, emit func(*psg.Node), phis *[]phiFixup) {

	cast := func(v, x ssa.Value) {
		if !pointerLike(v.Type()) {
			return
		}
		n := psg.NewCast(b.value(x))
		n.SetName(v.Name())
		b.vals[v] = n
		emit(n)
	}

	switch t := insn.(type) {
	case *ssa.Alloc:
		var n *psg.Node
		if t.Heap {
			n = psg.NewDynAlloc()
			n.SetIsHeap()
		} else {
			n = psg.NewAlloc()
		}
		n.SetZeroInitialized()
		n.SetName(fun.String() + ":" + t.Name())
		if sz := b.sizes.Sizeof(t.Type().(*types.Pointer).Elem()); sz > 0 {
			n.SetSize(uint64(sz))
		}
		b.vals[t] = n
		emit(n)

	case *ssa.MakeChan, *ssa.MakeMap, *ssa.MakeSlice:
		v := t.(ssa.Value)
		n := psg.NewDynAlloc()
		n.SetIsHeap()
		n.SetZeroInitialized()
		n.SetName(fun.String() + ":" + v.Name())
		b.vals[v] = n
		emit(n)

	case *ssa.MakeClosure:
		// Free variable bindings are not tracked; the closure value is the
		// function object itself.
		b.vals[t] = b.functionNode(t.Fn.(*ssa.Function))

	case *ssa.Store:
		// Stores of values that cannot carry pointers are irrelevant.
		if pointerLike(t.Val.Type()) {
			emit(psg.NewStore(b.value(t.Val), b.value(t.Addr)))
		}

	case *ssa.MapUpdate:
		// Inserting into a map stores the value into the map object.
		if pointerLike(t.Value.Type()) {
			emit(psg.NewStore(b.value(t.Value), b.value(t.Map)))
		}

	case *ssa.Send:
		if pointerLike(t.X.Type()) {
			emit(psg.NewStore(b.value(t.X), b.value(t.Chan)))
		}

	case *ssa.UnOp:
		switch t.Op {
		case token.MUL, token.ARROW:
			if pointerLike(t.Type()) {
				n := psg.NewLoad(b.value(t.X))
				n.SetName(t.Name())
				b.vals[t] = n
				emit(n)
			}
		}

	case *ssa.Lookup:
		if pointerLike(t.X.Type()) {
			n := psg.NewLoad(b.value(t.X))
			n.SetName(t.Name())
			b.vals[t] = n
			emit(n)
		}

	case *ssa.FieldAddr:
		st := t.X.Type().Underlying().(*types.Pointer).Elem().Underlying().(*types.Struct)
		fields := make([]*types.Var, st.NumFields())
		for i := range fields {
			fields[i] = st.Field(i)
		}

		off := psg.UnknownOffset
		if offsets := b.sizes.Offsetsof(fields); t.Field < len(offsets) {
			off = psg.Offset(offsets[t.Field])
		}

		n := psg.NewGEP(b.value(t.X), off)
		n.SetName(t.Name())
		b.vals[t] = n
		emit(n)

	case *ssa.IndexAddr:
		// Element indices are dynamic; the displacement is unknown.
		n := psg.NewGEP(b.value(t.X), psg.UnknownOffset)
		n.SetName(t.Name())
		b.vals[t] = n
		emit(n)

	case *ssa.Phi:
		if pointerLike(t.Type()) {
			n := psg.NewPhi()
			n.SetName(t.Name())
			b.vals[t] = n
			emit(n)
			*phis = append(*phis, phiFixup{t, n})
		}

	case *ssa.ChangeType:
		cast(t, t.X)
	case *ssa.ChangeInterface:
		cast(t, t.X)
	case *ssa.Convert:
		cast(t, t.X)
	case *ssa.MakeInterface:
		cast(t, t.X)
	case *ssa.Slice:
		cast(t, t.X)
	case *ssa.SliceToArrayPointer:
		cast(t, t.X)
	case *ssa.TypeAssert:
		cast(t, t.X)
	case *ssa.Field:
		cast(t, t.X)
	case *ssa.Index:
		cast(t, t.X)
	case *ssa.Extract:
		cast(t, t.Tuple)

	case *ssa.Return:
		for _, res := range t.Results {
			if pointerLike(res.Type()) {
				fg.ret.AddOperand(b.value(res))
			}
		}

	case ssa.CallInstruction:
		b.call(fun, t, emit)
	}
}

func (b *builder) call(caller *ssa.Function, insn ssa.CallInstruction, emit func(*psg.Node)) {
	common := insn.Common()

	bind := func(n *psg.Node) {
		if v := insn.Value(); v != nil {
			b.vals[v] = n
		}
	}

	if blt, ok := common.Value.(*ssa.Builtin); ok {
		switch blt.Name() {
		case "append":
			// The result aliases both the original and the appended slice.
			n := psg.NewPhi()
			for _, arg := range common.Args {
				if pointerLike(arg.Type()) {
					n.AddOperand(b.value(arg))
				}
			}
			bind(n)
			emit(n)

		case "copy":
			if len(common.Args) == 2 {
				emit(psg.NewMemcpy(
					b.value(common.Args[1]), b.value(common.Args[0]),
					0, psg.UnknownOffset))
			}
		}
		return
	}

	if common.IsInvoke() {
		// Interface dispatch is not modelled; the result stays unknown.
		return
	}

	if callee := common.StaticCallee(); callee != nil {
		fg := b.funcGraph(callee)
		for i, arg := range common.Args {
			if i >= len(fg.params) {
				break
			}
			if pointerLike(arg.Type()) {
				fg.params[i].AddOperand(b.value(arg))
			}
		}

		callN := psg.NewCall()
		for _, arg := range common.Args {
			if pointerLike(arg.Type()) {
				callN.AddOperand(b.value(arg))
			}
		}

		callRet := psg.NewCallReturn(fg.ret)
		callN.SetPairedNode(callRet)
		callRet.SetPairedNode(callN)

		emit(callN)
		callN.AddSuccessor(fg.entry)
		fg.ret.AddSuccessor(callRet)
		emit(callRet)
		bind(callRet)

		callgraph.AddEdge(b.cg.CreateNode(caller), insn, b.cg.CreateNode(callee))
		return
	}

	// Call through a function pointer; the callee is wired in when the
	// solve resolves the pointer.
	callN := psg.NewCallFuncPtr(b.value(common.Value))
	callRet := psg.NewCallReturn()
	callN.SetPairedNode(callRet)
	callRet.SetPairedNode(callN)

	args := make([]*psg.Node, len(common.Args))
	for i, arg := range common.Args {
		if pointerLike(arg.Type()) {
			args[i] = b.value(arg)
		}
	}
	b.sites[callN] = &funcPtrSite{caller: caller, call: insn, args: args}

	emit(callN)
	emit(callRet)
	bind(callRet)
}

// functionPointerCall attaches the subgraph of a resolved callee to the
// callsite. It is handed to the solver as the FunctionPointerCall hook.
func (b *builder) functionPointerCall(where, what *psg.Node) bool {
	site := b.sites[where]
	callee := b.funcOf[what]
	if site == nil || callee == nil {
		return false
	}

	fg := b.funcGraph(callee)
	for i, arg := range site.args {
		if i >= len(fg.params) {
			break
		}
		if arg != nil {
			fg.params[i].AddOperand(arg)
		}
	}

	// The callee may be fresh; translate queued bodies before attaching.
	b.buildQueued()

	where.AddSuccessor(fg.entry)
	if callRet := where.PairedNode(); callRet != nil {
		callRet.AddOperand(fg.ret)
		fg.ret.AddSuccessor(callRet)
	}

	callgraph.AddEdge(b.cg.CreateNode(site.caller), site.call, b.cg.CreateNode(callee))

	log.Debugf("irgen: resolved call at %s to %s", where, callee)
	return true
}
