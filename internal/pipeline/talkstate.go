// Package pipeline moves audio between the capture device, the session and
// the playback device.
//
// The [Pump] carries captured PCM to the session while the push-to-talk
// [TalkState] is on; the [Player] turns inbound frames back into an ordered,
// bounded playback stream. Each runs in its own goroutine so a slow speaker
// never delays the microphone and vice versa.
package pipeline

import (
	"sync/atomic"
	"time"
)

// TalkState is the push-to-talk flag shared between the UI and the pump.
// The UI is its only writer; any number of goroutines may read it.
type TalkState struct {
	on    atomic.Bool
	offAt atomic.Int64 // unix nanos of the last on→off transition
}

// Set switches the flag. Turning it off records the time so buffers captured
// just before can still drain.
func (t *TalkState) Set(on bool) {
	was := t.on.Swap(on)
	if was && !on {
		t.offAt.Store(time.Now().UnixNano())
	}
}

// On reports whether the user is currently talking.
func (t *TalkState) On() bool { return t.on.Load() }

// OffSince returns when the flag last went from on to off. It reports false
// while the flag is on or if it has never been on.
func (t *TalkState) OffSince() (time.Time, bool) {
	if t.on.Load() {
		return time.Time{}, false
	}
	ns := t.offAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
