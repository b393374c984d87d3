package arraymerge

import (
	"fmt"
	"slices"
	"sync"

	"github.com/creastat/arraymerge/core"
)

// readiness is the meta-state of a Merger: either some slots are still
// missing, or every slot has been set. The transition is one-way.
type readiness interface {
	mark(index core.SlotIndex) readiness
}

// incomplete lists the slots that have never been updated
type incomplete struct {
	missing map[core.SlotIndex]struct{}
}

func (s incomplete) mark(index core.SlotIndex) readiness {
	delete(s.missing, index)
	if len(s.missing) == 0 {
		return ready{}
	}
	return s
}

type ready struct{}

func (ready) mark(core.SlotIndex) readiness {
	return ready{}
}

// Merger keeps the latest value of each input slot and produces the
// concatenation of all slots once every slot has been set at least once.
//
// After the first emission every update emits again, reusing the most recent
// value of the other slots however old it is. Updates are serialized with a
// mutex, so Update may be called from several goroutines.
type Merger struct {
	mu    sync.Mutex
	slots [][]int32
	state readiness
}

// NewMerger creates a merger with two slots
func NewMerger() *Merger {
	return NewMergerN(2)
}

// NewMergerN creates a merger with n slots numbered 1..n
func NewMergerN(n int) *Merger {
	if n < 1 {
		panic(fmt.Sprintf("arraymerge: merger needs at least one slot, got %d", n))
	}

	missing := make(map[core.SlotIndex]struct{}, n)
	for i := 1; i <= n; i++ {
		missing[core.SlotIndex(i)] = struct{}{}
	}

	return &Merger{
		slots: make([][]int32, n),
		state: incomplete{missing: missing},
	}
}

// Slots returns the number of input slots
func (m *Merger) Slots() int {
	return len(m.slots)
}

// Update stores a copy of values as the latest value of slot index. When every
// slot has been set it returns the concatenation of all slots in slot order and
// true; otherwise it returns nil and false.
//
// An index outside 1..Slots() is a wiring bug and panics.
func (m *Merger) Update(index core.SlotIndex, values []int32) ([]int32, bool) {
	if index < 1 || int(index) > len(m.slots) {
		panic(fmt.Sprintf("arraymerge: slot %d out of range 1..%d", index, len(m.slots)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots[index-1] = slices.Clone(values)
	m.state = m.state.mark(index)

	switch m.state.(type) {
	case ready:
		return m.concat(), true
	default:
		return nil, false
	}
}

// concat must be called with mu held
func (m *Merger) concat() []int32 {
	size := 0
	for _, v := range m.slots {
		size += len(v)
	}
	out := make([]int32, 0, size)
	for _, v := range m.slots {
		out = append(out, v...)
	}
	return out
}

// Ready reports whether every slot has been set
func (m *Merger) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.state.(ready)
	return ok
}

// Missing returns the slots that have not been set yet, in slot order
func (m *Merger) Missing() []core.SlotIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state.(incomplete)
	if !ok {
		return nil
	}
	missing := make([]core.SlotIndex, 0, len(st.missing))
	for index := range st.missing {
		missing = append(missing, index)
	}
	slices.Sort(missing)
	return missing
}
