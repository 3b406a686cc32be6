package button

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/r0bb10/buttonosc/internal/led"
)

// Receiver is an RF receiver holding its last decoded code.
type Receiver interface {
	Available() bool
	Value() uint32
	Reset()
}

// Wireless is a remote-control button matched by code. Only a reception after
// MinGap since the last click counts; repeats inside the gap are consumed
// without moving the window.
type Wireless struct {
	base
	rx      Receiver
	code    uint32
	limiter *rate.Limiter
}

func NewWireless(id int, rx Receiver, code uint32, l *led.LED, onClick ClickFunc) *Wireless {
	return &Wireless{
		base: newBase(id, l, onClick),
		rx:   rx,
		code: code,
		// Burst of 1 lets the first press through straight away.
		limiter: rate.NewLimiter(rate.Every(MinGap), 1),
	}
}

func (w *Wireless) Poll(now time.Time) {
	if !w.rx.Available() {
		return
	}
	// Codes for other buttons stay latched for them.
	if w.rx.Value() != w.code {
		return
	}
	w.rx.Reset()

	if !w.limiter.AllowN(now, 1) {
		log.WithField("button", w.id).Trace("repeat suppressed")
		return
	}
	w.click(now)
}
