package stage

import (
	"sync/atomic"
)

// ValAtom holds the latest observable Snapshot and fans it out to readers
// through a sliding-buffer-1 channel: a slow reader only ever sees the most
// recent value, never a queue of stale ones. Updates are a bare
// compare-and-swap, deliberately not serialized against StageLoop's read of
// the stage state that produced the new value (see State.Snapshot).
type ValAtom struct {
	current atomic.Pointer[Snapshot]
	ch      chan Snapshot
}

// NewValAtom creates an empty ValAtom.
func NewValAtom() *ValAtom {
	empty := Snapshot{}
	v := &ValAtom{ch: make(chan Snapshot, 1)}
	v.current.Store(&empty)
	return v
}

// Load returns the current snapshot.
func (v *ValAtom) Load() Snapshot {
	return *v.current.Load()
}

// Store swaps in a new snapshot and pushes it to the channel, dropping any
// previously buffered, not-yet-consumed value. A slow reader may therefore
// miss intermediate snapshots; it will never see a stale one once it does read.
func (v *ValAtom) Store(s Snapshot) {
	v.current.Store(&s)

	select {
	case <-v.ch:
	default:
	}
	select {
	case v.ch <- s:
	default:
	}
}

// C returns the channel of snapshots, sliding-buffer-1.
func (v *ValAtom) C() <-chan Snapshot {
	return v.ch
}
