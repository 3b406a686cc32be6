// Package button normalizes wired and wireless buttons into a single click
// event. Buttons are polled from the main loop; a recognized click runs the
// click handler synchronously before Poll returns.
package button

import (
	"time"

	"github.com/r0bb10/buttonosc/internal/led"
	"github.com/r0bb10/buttonosc/internal/logging"
)

const (
	// HoldTime is how long the LED stays dark after a click.
	HoldTime = 125 * time.Millisecond
	// DebounceWindow is how long a wired line must hold a level before it
	// counts.
	DebounceWindow = 50 * time.Millisecond
	// MinGap separates two clicks of the same wireless button; remotes repeat
	// their code many times per press.
	MinGap = 150 * time.Millisecond
)

var log = logging.For("button")

// ClickFunc handles a click. It must not block beyond a single send.
type ClickFunc func(now time.Time)

// Button is implemented by the wired and wireless variants.
type Button interface {
	ID() int
	// Poll checks the hardware once and runs the click handler if a click
	// was recognized.
	Poll(now time.Time)
	LED() *led.LED
}

// base holds what both variants share.
type base struct {
	id      int
	led     *led.LED
	onClick ClickFunc
}

func newBase(id int, l *led.LED, onClick ClickFunc) base {
	// LEDs rest lit; a click darkens them for HoldTime.
	l.On(time.Time{}, 0)
	return base{id: id, led: l, onClick: onClick}
}

func (b *base) ID() int { return b.id }

func (b *base) LED() *led.LED { return b.led }

// click turns the LED off, dispatches, and schedules the LED back on. The LED
// comes back regardless of what the handler did.
func (b *base) click(now time.Time) {
	log.WithField("button", b.id).Trace("pressed")
	b.led.Off(now, 0)
	if b.onClick != nil {
		b.onClick(now)
	}
	b.led.On(now, HoldTime)
}
