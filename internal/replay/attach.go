package replay

// AttachResult describes what a newly-attached client should be sent,
// implementing the three-step attach protocol from §4.F: a snapshot always
// goes first, then a bracketed replay only if the presented last-event-id
// is still covered by the ring.
type AttachResult struct {
	Replay  []Frame // empty when Replays is false
	Replays bool
}

// Attach computes the replay set for a client reconnecting with lastEventID
// (0 if the client has none). The caller is responsible for sending the
// state snapshot first in all cases, and for wrapping a non-empty Replay
// set between history-start and history-end markers (§5 ordering
// guarantee: those markers bracket the replay set exactly, with no live
// frames interleaved).
func Attach(ring *Ring, lastEventID uint64) AttachResult {
	if lastEventID == 0 {
		return AttachResult{}
	}
	frames, ok := ring.Since(lastEventID)
	if !ok || len(frames) == 0 {
		return AttachResult{}
	}
	return AttachResult{Replay: frames, Replays: true}
}
