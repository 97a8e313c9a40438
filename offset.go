package psg

import "fmt"

// Offset is a byte displacement into an abstract memory object. The value
// UnknownOffset is a sentinel for displacements that cannot be determined
// statically; it subsumes every concrete offset to the same target.
type Offset uint64

const UnknownOffset Offset = ^Offset(0)

func (o Offset) IsUnknown() bool { return o == UnknownOffset }

// Add returns the sum of two offsets. Unknown absorbs: if either operand is
// unknown, or the concrete sum would wrap into the sentinel, the result is
// unknown.
func (o Offset) Add(d Offset) Offset {
	if o.IsUnknown() || d.IsUnknown() {
		return UnknownOffset
	}

	if s := o + d; s >= o && !s.IsUnknown() {
		return s
	}
	return UnknownOffset
}

func (o Offset) String() string {
	if o.IsUnknown() {
		return "?"
	}
	return fmt.Sprintf("%d", uint64(o))
}

// Pointer is a (target, offset) pair: the node that stands for the pointed-to
// memory and the displacement into it. Pointers are comparable and are the
// elements of PointsToSet.
type Pointer struct {
	Target *Node
	Offset Offset
}

func (p Pointer) String() string {
	return fmt.Sprintf("(%s+%s)", p.Target, p.Offset)
}
