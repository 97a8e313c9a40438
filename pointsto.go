package psg

// PointsToSet is a set of Pointer values with unknown-offset saturation: once
// (t, UnknownOffset) is a member it subsumes every concrete offset for t.
// Inserting the unknown entry drops the concrete entries for that target;
// inserting a concrete entry while the target is saturated is a no-op.
//
// The zero value is an empty set ready for use. Every mutation reports
// whether the denoted set grew, which is what the solver uses to detect
// progress.
type PointsToSet struct {
	// Offsets per target. A saturated target holds the single key
	// UnknownOffset, so the saturation check never scans the set.
	targets map[*Node]map[Offset]struct{}
}

func (s *PointsToSet) Len() int {
	n := 0
	for _, offs := range s.targets {
		n += len(offs)
	}
	return n
}

func (s *PointsToSet) Empty() bool { return s.Len() == 0 }

// Has reports exact membership of p. A saturated target contains only its
// unknown entry.
func (s *PointsToSet) Has(p Pointer) bool {
	_, ok := s.targets[p.Target][p.Offset]
	return ok
}

// HasTarget reports whether any entry for t is a member.
func (s *PointsToSet) HasTarget(t *Node) bool {
	return len(s.targets[t]) > 0
}

// Add inserts p, applying saturation.
func (s *PointsToSet) Add(p Pointer) bool {
	offs := s.targets[p.Target]
	if _, saturated := offs[UnknownOffset]; saturated {
		return false
	}

	if p.Offset.IsUnknown() {
		// Unknown stands for any offset; the concrete entries are subsumed.
		if s.targets == nil {
			s.targets = make(map[*Node]map[Offset]struct{})
		}
		s.targets[p.Target] = map[Offset]struct{}{UnknownOffset: {}}
		return true
	}

	if _, ok := offs[p.Offset]; ok {
		return false
	}

	if offs == nil {
		if s.targets == nil {
			s.targets = make(map[*Node]map[Offset]struct{})
		}
		offs = make(map[Offset]struct{})
		s.targets[p.Target] = offs
	}
	offs[p.Offset] = struct{}{}
	return true
}

// AddAll unions o into s.
func (s *PointsToSet) AddAll(o *PointsToSet) bool {
	changed := false
	for t, offs := range o.targets {
		for off := range offs {
			if s.Add(Pointer{t, off}) {
				changed = true
			}
		}
	}
	return changed
}

// Iterate calls f for every member, in unspecified order.
func (s *PointsToSet) Iterate(f func(Pointer)) {
	for t, offs := range s.targets {
		for off := range offs {
			f(Pointer{t, off})
		}
	}
}

// Pointers returns the members as a slice, in unspecified order.
func (s *PointsToSet) Pointers() []Pointer {
	ptrs := make([]Pointer, 0, s.Len())
	s.Iterate(func(p Pointer) { ptrs = append(ptrs, p) })
	return ptrs
}
