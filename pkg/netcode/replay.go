package netcode

// ReplayProtection rejects duplicate or stale packet sequences for a single
// connection using a fixed-size sliding window keyed on the highest
// sequence seen so far, per spec §4.2.
type ReplayProtection struct {
	initialized        bool
	mostRecentSequence uint64
	received           [replayWindowSize]bool
}

// NewReplayProtection returns an empty replay filter.
func NewReplayProtection() *ReplayProtection {
	return &ReplayProtection{}
}

// Accept reports whether sequence is new (greater than the high-water mark,
// or within the window and not yet marked) and, if so, marks it seen. It
// returns false for duplicates and for sequences too far behind the window
// to track.
func (r *ReplayProtection) Accept(sequence uint64) bool {
	if !r.initialized {
		r.initialized = true
		r.mostRecentSequence = sequence
		r.received[sequence%replayWindowSize] = true
		return true
	}

	if sequence > r.mostRecentSequence {
		// advance the window, zeroing the slots that fall out of range
		delta := sequence - r.mostRecentSequence
		if delta >= replayWindowSize {
			for i := range r.received {
				r.received[i] = false
			}
		} else {
			for i := uint64(0); i < delta; i++ {
				slot := (r.mostRecentSequence + 1 + i) % replayWindowSize
				r.received[slot] = false
			}
		}
		r.mostRecentSequence = sequence
		r.received[sequence%replayWindowSize] = true
		return true
	}

	if r.mostRecentSequence-sequence >= replayWindowSize {
		// too old to track; treat as stale/rejected
		return false
	}

	slot := sequence % replayWindowSize
	if r.received[slot] {
		return false
	}
	r.received[slot] = true
	return true
}
