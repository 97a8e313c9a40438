package psg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointsToSetBasics(t *testing.T) {
	a, b := NewAlloc(), NewAlloc()

	var s PointsToSet
	assert.True(t, s.Empty())
	assert.Zero(t, s.Len())

	assert.True(t, s.Add(Pointer{a, 0}))
	assert.False(t, s.Add(Pointer{a, 0}), "re-inserting must report no change")
	assert.True(t, s.Add(Pointer{a, 8}))
	assert.True(t, s.Add(Pointer{b, 0}))

	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Has(Pointer{a, 0}))
	assert.True(t, s.Has(Pointer{a, 8}))
	assert.True(t, s.Has(Pointer{b, 0}))
	assert.False(t, s.Has(Pointer{b, 8}))
	assert.True(t, s.HasTarget(a))

	assert.ElementsMatch(t,
		[]Pointer{{a, 0}, {a, 8}, {b, 0}},
		s.Pointers())
}

func TestPointsToSetSaturation(t *testing.T) {
	a, b := NewAlloc(), NewAlloc()

	var s PointsToSet
	s.Add(Pointer{a, 0})
	s.Add(Pointer{a, 8})
	s.Add(Pointer{b, 4})

	// The unknown entry subsumes the concrete entries for a.
	assert.True(t, s.Add(Pointer{a, UnknownOffset}))
	assert.ElementsMatch(t,
		[]Pointer{{a, UnknownOffset}, {b, 4}},
		s.Pointers())

	// Concrete inserts for a saturated target are no-ops now.
	assert.False(t, s.Add(Pointer{a, 0}))
	assert.False(t, s.Add(Pointer{a, 1000}))
	assert.False(t, s.Add(Pointer{a, UnknownOffset}))
	assert.ElementsMatch(t,
		[]Pointer{{a, UnknownOffset}, {b, 4}},
		s.Pointers())

	// b is unaffected.
	assert.True(t, s.Add(Pointer{b, 8}))
}

func TestPointsToSetAddAll(t *testing.T) {
	a, b := NewAlloc(), NewAlloc()

	var s, o PointsToSet
	s.Add(Pointer{a, 0})
	o.Add(Pointer{a, 0})
	o.Add(Pointer{b, UnknownOffset})

	assert.True(t, s.AddAll(&o))
	assert.False(t, s.AddAll(&o), "second union must be a no-op")
	assert.ElementsMatch(t,
		[]Pointer{{a, 0}, {b, UnknownOffset}},
		s.Pointers())

	var empty PointsToSet
	assert.False(t, s.AddAll(&empty))
	assert.True(t, empty.AddAll(&s))
	assert.Equal(t, s.Len(), empty.Len())
}

func TestMemoryObject(t *testing.T) {
	a, c, d := NewAlloc(), NewAlloc(), NewAlloc()

	mo := NewMemoryObject(a)
	assert.Same(t, a, mo.Node())

	assert.True(t, mo.AddPointsTo(0, Pointer{c, 0}))
	assert.False(t, mo.AddPointsTo(0, Pointer{c, 0}))
	assert.True(t, mo.AddPointsTo(8, Pointer{d, 0}))

	t.Run("ConcreteRead", func(t *testing.T) {
		var dst PointsToSet
		changed, found := mo.ReadInto(0, &dst)
		assert.True(t, changed)
		assert.True(t, found)
		assert.ElementsMatch(t, []Pointer{{c, 0}}, dst.Pointers())

		changed, found = mo.ReadInto(0, &dst)
		assert.False(t, changed)
		assert.True(t, found)
	})

	t.Run("EmptyRead", func(t *testing.T) {
		var dst PointsToSet
		changed, found := mo.ReadInto(1234, &dst)
		assert.False(t, changed)
		assert.False(t, found)
		assert.True(t, dst.Empty())
	})

	t.Run("UnknownRead", func(t *testing.T) {
		// A read at an unknown offset folds over the whole object.
		var dst PointsToSet
		changed, found := mo.ReadInto(UnknownOffset, &dst)
		assert.True(t, changed)
		assert.True(t, found)
		assert.ElementsMatch(t, []Pointer{{c, 0}, {d, 0}}, dst.Pointers())
	})

	t.Run("UnknownWrite", func(t *testing.T) {
		// A store at an unknown offset weakens every known offset and is
		// seen by reads at any offset afterwards.
		e := NewAlloc()
		assert.True(t, mo.AddPointsTo(UnknownOffset, Pointer{e, 0}))

		var dst PointsToSet
		_, found := mo.ReadInto(0, &dst)
		assert.True(t, found)
		assert.ElementsMatch(t, []Pointer{{c, 0}, {e, 0}}, dst.Pointers())

		dst = PointsToSet{}
		_, found = mo.ReadInto(4096, &dst)
		assert.True(t, found, "the unknown bucket covers unseen offsets")
		assert.ElementsMatch(t, []Pointer{{e, 0}}, dst.Pointers())
	})
}
