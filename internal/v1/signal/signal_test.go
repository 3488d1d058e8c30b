package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T) (*[]Change, Subscriber) {
	t.Helper()
	events := &[]Change{}
	return events, func(ch Change) { *events = append(*events, ch) }
}

func TestScalarSetEmitsChange(t *testing.T) {
	s := NewScalar(0)
	events, sub := collect(t)
	s.Subscribe(sub)

	s.Set(42)

	assert.Equal(t, 42, s.Get())
	require.Len(t, *events, 1)
	assert.Equal(t, ChangeSet, (*events)[0].Kind)
	assert.Equal(t, 42, (*events)[0].Value)
}

func TestScalarUpdateReadsThenSets(t *testing.T) {
	s := NewScalar(10)
	s.Update(func(v any) any { return v.(int) + 5 })
	assert.Equal(t, 15, s.Get())
}

func TestScalarUnsubscribeStopsDelivery(t *testing.T) {
	s := NewScalar("")
	events, sub := collect(t)
	unsub := s.Subscribe(sub)

	s.Set("a")
	unsub()
	s.Set("b")

	assert.Len(t, *events, 1)
}

func TestArrayDiffKinds(t *testing.T) {
	tests := []struct {
		name string
		op   func(a *Array)
		want Change
	}{
		{
			name: "push is add at tail",
			op:   func(a *Array) { a.Push("x") },
			want: Change{Kind: ChangeAdd, Index: 2, Items: []any{"x"}},
		},
		{
			name: "unshift is add at head",
			op:   func(a *Array) { a.Unshift("x") },
			want: Change{Kind: ChangeAdd, Index: 0, Items: []any{"x"}},
		},
		{
			name: "pop is remove at tail",
			op:   func(a *Array) { a.Pop() },
			want: Change{Kind: ChangeRemove, Index: 1},
		},
		{
			name: "shift is remove at head",
			op:   func(a *Array) { a.Shift() },
			want: Change{Kind: ChangeRemove, Index: 0},
		},
		{
			name: "index assignment is update",
			op:   func(a *Array) { a.SetIndex(1, "x") },
			want: Change{Kind: ChangeUpdate, Index: 1, Items: []any{"x"}},
		},
		{
			name: "whole-array set is reset",
			op:   func(a *Array) { a.Set([]any{"x"}) },
			want: Change{Kind: ChangeReset, Index: 0, Items: []any{"x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArray([]any{"a", "b"})
			events, sub := collect(t)
			a.Subscribe(sub)

			tt.op(a)

			require.Len(t, *events, 1)
			got := (*events)[0]
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Index, got.Index)
			if tt.want.Items != nil {
				assert.Equal(t, tt.want.Items, got.Items)
			}
		})
	}
}

func TestArraySpliceReplaceIsUpdate(t *testing.T) {
	a := NewArray([]any{"a", "b", "c"})
	events, sub := collect(t)
	a.Subscribe(sub)

	a.Splice(1, 1, "B")

	require.Len(t, *events, 1)
	assert.Equal(t, ChangeUpdate, (*events)[0].Kind)
	assert.Equal(t, 1, (*events)[0].Index)
	assert.Equal(t, []any{"a", "B", "c"}, a.Get())
}

func TestArraySpliceInsertAndRemove(t *testing.T) {
	a := NewArray([]any{"a", "b"})
	events, sub := collect(t)
	a.Subscribe(sub)

	a.Splice(1, 0, "x") // pure insert
	a.Splice(0, 1)      // pure remove

	require.Len(t, *events, 2)
	assert.Equal(t, ChangeAdd, (*events)[0].Kind)
	assert.Equal(t, ChangeRemove, (*events)[1].Kind)
	assert.Equal(t, []any{"x", "b"}, a.Get())
}

func TestArrayGetReturnsCopy(t *testing.T) {
	a := NewArray([]any{"a"})
	items := a.Get()
	items[0] = "mutated"
	assert.Equal(t, "a", a.At(0))
}

func TestMapDiffKinds(t *testing.T) {
	m := NewMap()
	events, sub := collect(t)
	m.Subscribe(sub)

	m.SetKey("k", 1)  // add
	m.SetKey("k", 2)  // update
	m.Delete("k")     // remove
	m.Delete("ghost") // no-op

	require.Len(t, *events, 3)
	assert.Equal(t, ChangeAdd, (*events)[0].Kind)
	assert.Equal(t, ChangeUpdate, (*events)[1].Kind)
	assert.Equal(t, 2, (*events)[1].Value)
	assert.Equal(t, ChangeRemove, (*events)[2].Kind)
	assert.Equal(t, "k", (*events)[2].Key)
}

func TestMapSetIsReset(t *testing.T) {
	m := NewMap()
	m.SetKey("old", 1)
	events, sub := collect(t)
	m.Subscribe(sub)

	m.Set(map[string]any{"new": 2})

	require.Len(t, *events, 1)
	assert.Equal(t, ChangeReset, (*events)[0].Kind)
	assert.False(t, m.Has("old"))
	assert.True(t, m.Has("new"))
}

func TestComputedTracksDependencies(t *testing.T) {
	a := NewScalar(1)
	b := NewScalar(2)
	sum := NewComputed(func() any {
		return a.Get().(int) + b.Get().(int)
	})

	assert.Equal(t, 3, sum.Get())

	events, sub := collect(t)
	sum.Subscribe(sub)

	a.Set(10)
	assert.Equal(t, 12, sum.Get())
	require.Len(t, *events, 1)
	assert.Equal(t, 12, (*events)[0].Value)

	b.Set(20)
	assert.Equal(t, 30, sum.Get())
}

func TestComputedUntrackedReadIsNotADependency(t *testing.T) {
	tracked := NewScalar(1)
	ignored := NewScalar(100)
	c := NewComputed(func() any {
		base := tracked.Get().(int)
		offset := Untracked(func() int { return ignored.Get().(int) })
		return base + offset
	})

	assert.Equal(t, 101, c.Get())

	events, sub := collect(t)
	c.Subscribe(sub)

	ignored.Set(200)
	assert.Empty(t, *events, "untracked dependency must not invalidate")

	tracked.Set(2)
	require.NotEmpty(t, *events)
	// The recompute picks up the untracked value as a side effect.
	assert.Equal(t, 202, c.Get())
}

func TestOptionsDefaults(t *testing.T) {
	s := NewScalar(nil)
	assert.True(t, s.Options().SyncToClient)
	assert.True(t, s.Options().Persist)

	hidden := NewScalar(nil, WithNoSync(), WithNoPersist())
	assert.False(t, hidden.Options().SyncToClient)
	assert.False(t, hidden.Options().Persist)
}

func TestTransformOption(t *testing.T) {
	s := NewScalar(nil, WithTransform(func(v any) any { return "wrapped" }))
	require.NotNil(t, s.Options().Transform)
	assert.Equal(t, "wrapped", s.Options().Transform("raw"))
}
