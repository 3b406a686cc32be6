package button

import (
	"time"

	"github.com/r0bb10/buttonosc/internal/led"
)

// InputPin reads a button line; 1 means pressed.
type InputPin interface {
	Value() (int, error)
}

// Wired is a mechanical button on a digital input. A press counts once the
// line has read pressed for DebounceWindow without interruption; shorter
// pulses are bounce or noise. Release and long presses are not reported.
type Wired struct {
	base
	pin InputPin

	lastRawState    bool
	lastRawTime     time.Time
	lastStableState bool
	readFailed      bool
}

func NewWired(id int, pin InputPin, l *led.LED, onClick ClickFunc) *Wired {
	return &Wired{base: newBase(id, l, onClick), pin: pin}
}

func (w *Wired) Poll(now time.Time) {
	v, err := w.pin.Value()
	if err != nil {
		if !w.readFailed {
			log.WithField("button", w.id).WithError(err).Error("read failed")
			w.readFailed = true
		}
		return
	}
	w.readFailed = false

	isPressed := v == 1
	if isPressed != w.lastRawState {
		w.lastRawState = isPressed
		w.lastRawTime = now
	}
	if w.lastRawState == w.lastStableState {
		return
	}
	if !isStableStateChange(now, w.lastRawTime, DebounceWindow) {
		return
	}
	w.lastStableState = w.lastRawState

	if w.lastStableState {
		w.click(now)
	}
}

// isStableStateChange checks if enough time has passed since the last raw
// state change.
func isStableStateChange(now, lastChangeTime time.Time, debounceTime time.Duration) bool {
	return now.Sub(lastChangeTime) >= debounceTime
}
