// Package rf decodes the pulse trains of cheap 433/315 MHz remotes from edge
// timestamps on a receiver line. Codes are latched until the consumer resets
// them, the way an interrupt-driven receiver exposes its last reception.
package rf

import (
	"sync"
	"time"
)

const (
	// separationLimit is the shortest gap treated as the sync pause between
	// two transmissions.
	separationLimit = 4300 * time.Microsecond
	// repeatTolerance is how closely a second sync pause must match the first.
	repeatTolerance = 200 * time.Microsecond
	// receiveTolerance is the accepted pulse length deviation, in percent.
	receiveTolerance = 60
	maxChanges       = 67
	minChanges       = 7
)

// pulses is a high/low pair measured in protocol pulse lengths.
type pulses struct {
	high, low int
}

type Protocol struct {
	PulseLength time.Duration
	sync        pulses
	zero        pulses
	one         pulses
	inverted    bool
}

// Protocols known to the decoder, tried in order.
var Protocols = []Protocol{
	{350 * time.Microsecond, pulses{1, 31}, pulses{1, 3}, pulses{3, 1}, false},
	{650 * time.Microsecond, pulses{1, 10}, pulses{1, 2}, pulses{2, 1}, false},
	{100 * time.Microsecond, pulses{30, 71}, pulses{4, 11}, pulses{9, 6}, false},
	{380 * time.Microsecond, pulses{1, 6}, pulses{1, 3}, pulses{3, 1}, false},
	{500 * time.Microsecond, pulses{6, 14}, pulses{1, 2}, pulses{2, 1}, false},
	{450 * time.Microsecond, pulses{23, 1}, pulses{1, 2}, pulses{2, 1}, true},
}

// Reception describes the last decoded code.
type Reception struct {
	Code     uint32
	Bits     int
	Protocol int // 1-based index into Protocols
	Delay    time.Duration
}

// Decoder turns edges into codes. HandleEdge is safe to call from the edge
// event goroutine while the polling loop reads the latched value.
type Decoder struct {
	mu sync.Mutex

	timings     [maxChanges]time.Duration
	changeCount int
	repeatCount int
	lastEdge    time.Duration
	started     bool

	available bool
	last      Reception
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// HandleEdge records an edge observed at ts, a monotonic timestamp.
func (d *Decoder) HandleEdge(ts time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		d.started = true
		d.lastEdge = ts
		return
	}
	duration := ts - d.lastEdge

	if duration > separationLimit {
		// A long pause is either the gap between repeated transmissions or a
		// pause inside a transmission.
		if d.repeatCount == 0 || absDiff(duration, d.timings[0]) < repeatTolerance {
			// The first pause opens a frame; a second, similar one closes it,
			// so decode what lies between them.
			d.repeatCount++
			if d.repeatCount == 2 {
				for i := range Protocols {
					if d.decode(i) {
						break
					}
				}
				d.repeatCount = 0
			}
		}
		d.changeCount = 0
	}

	if d.changeCount >= maxChanges {
		d.changeCount = 0
		d.repeatCount = 0
	}
	d.timings[d.changeCount] = duration
	d.changeCount++
	d.lastEdge = ts
}

func (d *Decoder) decode(p int) bool {
	pro := Protocols[p]
	syncLen := pro.sync.low
	if pro.sync.high > syncLen {
		syncLen = pro.sync.high
	}
	delay := d.timings[0] / time.Duration(syncLen)
	tolerance := delay * receiveTolerance / 100

	first := 1
	if pro.inverted {
		first = 2
	}

	var code uint32
	for i := first; i < d.changeCount-1; i += 2 {
		code <<= 1
		hi, lo := d.timings[i], d.timings[i+1]
		switch {
		case matches(hi, lo, delay, tolerance, pro.zero):
		case matches(hi, lo, delay, tolerance, pro.one):
			code |= 1
		default:
			return false
		}
	}

	// Very short trains are noise.
	if d.changeCount > minChanges {
		d.last = Reception{
			Code:     code,
			Bits:     (d.changeCount - 1) / 2,
			Protocol: p + 1,
			Delay:    delay,
		}
		d.available = true
		return true
	}
	return false
}

func matches(hi, lo, delay, tolerance time.Duration, want pulses) bool {
	return absDiff(hi, delay*time.Duration(want.high)) < tolerance &&
		absDiff(lo, delay*time.Duration(want.low)) < tolerance
}

// Available reports whether a code was decoded and not yet reset.
func (d *Decoder) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available
}

// Value returns the latched code.
func (d *Decoder) Value() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last.Code
}

// Last returns the full latched reception.
func (d *Decoder) Last() Reception {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Reset clears the available flag so the next poll does not re-read the
// same reception.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available = false
}

func absDiff(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}
