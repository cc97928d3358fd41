package classifier

// PersistenceWindow is a fixed-capacity ring of the most recent tentative
// states. It tracks the length of the trailing run of identical values so
// the all-equal check is O(1).
type PersistenceWindow struct {
	states []State
	head   int // next write position
	size   int
	run    int // length of the trailing run of equal states
}

// NewPersistenceWindow creates a window of length k pre-filled with
// initial, so it is full from the start.
func NewPersistenceWindow(k int, initial State) PersistenceWindow {
	if k < 1 {
		k = 1
	}
	w := PersistenceWindow{states: make([]State, k), size: k, run: k}
	for i := range w.states {
		w.states[i] = initial
	}
	return w
}

// Len returns the number of states held.
func (w PersistenceWindow) Len() int { return w.size }

// Cap returns K.
func (w PersistenceWindow) Cap() int { return len(w.states) }

// Full reports whether the window holds K states.
func (w PersistenceWindow) Full() bool { return w.size == len(w.states) }

// Latest returns the most recent state.
func (w PersistenceWindow) Latest() (State, bool) {
	if w.size == 0 {
		return "", false
	}
	return w.states[(w.head-1+len(w.states))%len(w.states)], true
}

// Push appends s, dropping the oldest state when full.
func (w *PersistenceWindow) Push(s State) {
	if last, ok := w.Latest(); ok && last == s {
		w.run++
	} else {
		w.run = 1
	}
	w.states[w.head] = s
	w.head = (w.head + 1) % len(w.states)
	if w.size < len(w.states) {
		w.size++
	}
}

// AllEqual returns the common value when the window is full and every
// entry is identical.
func (w PersistenceWindow) AllEqual() (State, bool) {
	if !w.Full() || w.run < len(w.states) {
		return "", false
	}
	return w.Latest()
}

// Values returns the states oldest first.
func (w PersistenceWindow) Values() []State {
	out := make([]State, w.size)
	start := (w.head - w.size + len(w.states)) % len(w.states)
	for i := range out {
		out[i] = w.states[(start+i)%len(w.states)]
	}
	return out
}

// Clone returns an independent copy.
func (w PersistenceWindow) Clone() PersistenceWindow {
	c := w
	c.states = append([]State(nil), w.states...)
	return c
}
