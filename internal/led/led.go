// Package led drives indicator LEDs without blocking the polling loop. Every
// transition is scheduled against the time passed in and advanced by Tick.
package led

import (
	"time"
)

const (
	Off  uint8 = 0
	Full uint8 = 255
)

// Sink is the physical output behind an LED.
type Sink interface {
	SetLevel(level uint8) error
}

type State int

const (
	Idle State = iota
	Delayed
	Fading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Delayed:
		return "delayed"
	case Fading:
		return "fading"
	default:
		return "unknown"
	}
}

// LED is a single indicator. A new command replaces whatever transition was
// in progress.
type LED struct {
	sink  Sink
	level uint8
	state State

	// delayed on/off
	pending uint8
	at      time.Time

	// fade
	from, to  uint8
	fadeStart time.Time
	fadeFor   time.Duration

	lastErr error
}

func New(sink Sink) *LED {
	return &LED{sink: sink}
}

func (l *LED) State() State { return l.state }

func (l *LED) Level() uint8 { return l.level }

// Err returns the last error reported by the sink, if any.
func (l *LED) Err() error { return l.lastErr }

// On lights the LED fully once delay has passed.
func (l *LED) On(now time.Time, delay time.Duration) {
	l.schedule(now, Full, delay)
}

// Off darkens the LED once delay has passed.
func (l *LED) Off(now time.Time, delay time.Duration) {
	l.schedule(now, Off, delay)
}

func (l *LED) schedule(now time.Time, level uint8, delay time.Duration) {
	if delay <= 0 {
		l.state = Idle
		l.set(level)
		return
	}
	l.state = Delayed
	l.pending = level
	l.at = now.Add(delay)
}

// Fade moves the level linearly from one value to another over d.
func (l *LED) Fade(now time.Time, from, to uint8, d time.Duration) {
	if d <= 0 {
		l.state = Idle
		l.set(to)
		return
	}
	l.state = Fading
	l.from, l.to = from, to
	l.fadeStart = now
	l.fadeFor = d
	l.set(from)
}

// Tick advances any pending transition and refreshes the output.
func (l *LED) Tick(now time.Time) {
	switch l.state {
	case Delayed:
		if !now.Before(l.at) {
			l.state = Idle
			l.level = l.pending
		}
	case Fading:
		elapsed := now.Sub(l.fadeStart)
		if elapsed >= l.fadeFor {
			l.state = Idle
			l.level = l.to
		} else {
			l.level = lerp(l.from, l.to, elapsed, l.fadeFor)
		}
	}
	l.set(l.level)
}

func (l *LED) set(level uint8) {
	l.level = level
	if err := l.sink.SetLevel(level); err != nil {
		l.lastErr = err
	}
}

func lerp(a, b uint8, elapsed, total time.Duration) uint8 {
	d := int64(b) - int64(a)
	return uint8(int64(a) + d*int64(elapsed)/int64(total))
}
