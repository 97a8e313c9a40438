package psg

// MemoryObject models the contents of one abstract memory object as a mapping
// from offsets to the points-to sets stored there. The granularity is one
// bucket per concrete store offset plus a bucket for stores at unknown
// offsets; a read at a concrete offset sees its own bucket joined with the
// unknown bucket, a read at an unknown offset folds over all of them.
//
// Updates are weak: stores only ever union into buckets. A memory model that
// wants strong updates supplies its own objects per program point and swaps
// them in GetMemoryObjects.
type MemoryObject struct {
	node    *Node
	buckets map[Offset]*PointsToSet
}

// NewMemoryObject returns an empty object abstracting the memory allocated
// at n.
func NewMemoryObject(n *Node) *MemoryObject {
	return &MemoryObject{node: n, buckets: make(map[Offset]*PointsToSet)}
}

// Node returns the allocation node this object abstracts.
func (mo *MemoryObject) Node() *Node { return mo.node }

func (mo *MemoryObject) bucket(off Offset) *PointsToSet {
	b := mo.buckets[off]
	if b == nil {
		b = new(PointsToSet)
		mo.buckets[off] = b
	}
	return b
}

// AddPointsTo stores ptr at off. A store at an unknown offset may hit any
// offset of the object, so it unions into the unknown bucket and weakens
// every known offset.
func (mo *MemoryObject) AddPointsTo(off Offset, ptr Pointer) bool {
	if !off.IsUnknown() {
		return mo.bucket(off).Add(ptr)
	}

	changed := mo.bucket(UnknownOffset).Add(ptr)
	for o, b := range mo.buckets {
		if !o.IsUnknown() && b.Add(ptr) {
			changed = true
		}
	}
	return changed
}

// AddPointsToSet stores every member of pts at off, with the same weak
// semantics as AddPointsTo.
func (mo *MemoryObject) AddPointsToSet(off Offset, pts *PointsToSet) bool {
	changed := false
	pts.Iterate(func(p Pointer) {
		if mo.AddPointsTo(off, p) {
			changed = true
		}
	})
	return changed
}

// ReadInto unions the points-to set stored at off into dst. An unknown off
// folds over all offsets of the object. found reports whether any stored
// entry covered off, even when the union added nothing new to dst.
func (mo *MemoryObject) ReadInto(off Offset, dst *PointsToSet) (changed, found bool) {
	if off.IsUnknown() {
		for _, b := range mo.buckets {
			if b.Empty() {
				continue
			}
			found = true
			if dst.AddAll(b) {
				changed = true
			}
		}
		return changed, found
	}

	for _, o := range [...]Offset{off, UnknownOffset} {
		if b := mo.buckets[o]; b != nil && !b.Empty() {
			found = true
			if dst.AddAll(b) {
				changed = true
			}
		}
	}
	return changed, found
}
