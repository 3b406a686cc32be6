package led

import "time"

const (
	HeartbeatLow    uint8 = 5
	HeartbeatHigh   uint8 = 30
	HeartbeatPeriod       = 2 * time.Second
)

// Heartbeat breathes an LED between two dim levels to show the loop is alive.
type Heartbeat struct {
	led      *LED
	fadedIn  bool
	low      uint8
	high     uint8
	duration time.Duration
}

func NewHeartbeat(sink Sink) *Heartbeat {
	return &Heartbeat{
		led:      New(sink),
		low:      HeartbeatLow,
		high:     HeartbeatHigh,
		duration: HeartbeatPeriod,
	}
}

func (h *Heartbeat) LED() *LED { return h.led }

// Tick starts the next fade whenever the previous one has finished, then
// advances the LED.
func (h *Heartbeat) Tick(now time.Time) {
	if h.led.State() == Idle {
		if !h.fadedIn {
			h.led.Fade(now, h.low, h.high, h.duration)
		} else {
			h.led.Fade(now, h.high, h.low, h.duration)
		}
		h.fadedIn = !h.fadedIn
	}
	h.led.Tick(now)
}
