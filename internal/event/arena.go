package event

// Arena stores per-device state indexed by handle. Slots are append-only:
// removal leaves a vacant slot behind so a handle is never reissued.
type Arena[T any] struct {
	kind  BackendKind
	slots []slot[T]
	live  int
}

type slot[T any] struct {
	value T
	live  bool
}

// NewArena returns an empty arena issuing handles tagged with kind.
func NewArena[T any](kind BackendKind) *Arena[T] {
	return &Arena[T]{kind: kind}
}

// Insert stores v and returns its new handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.slots = append(a.slots, slot[T]{value: v, live: true})
	a.live++
	// Slot numbering starts at 1 so that the zero Handle stays invalid.
	return Handle{Backend: a.kind, Slot: uint32(len(a.slots))}
}

// Get returns the value stored for h.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	var zero T
	i, ok := a.index(h)
	if !ok || !a.slots[i].live {
		return zero, false
	}
	return a.slots[i].value, true
}

// Remove vacates the slot for h and returns the value it held.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	i, ok := a.index(h)
	if !ok || !a.slots[i].live {
		return zero, false
	}
	v := a.slots[i].value
	a.slots[i] = slot[T]{}
	a.live--
	return v, true
}

// Live returns the number of live entries.
func (a *Arena[T]) Live() int {
	return a.live
}

// Each calls fn for every live entry in insertion order. Iteration stops
// when fn returns false.
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	for i := range a.slots {
		if !a.slots[i].live {
			continue
		}
		if !fn(Handle{Backend: a.kind, Slot: uint32(i + 1)}, a.slots[i].value) {
			return
		}
	}
}

func (a *Arena[T]) index(h Handle) (int, bool) {
	if h.Backend != a.kind || h.Slot == 0 || int(h.Slot) > len(a.slots) {
		return 0, false
	}
	return int(h.Slot) - 1, true
}
