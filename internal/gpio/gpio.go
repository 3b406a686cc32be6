// Package gpio owns the GPIO character device: button inputs, LED outputs and
// the edge-event lines feeding RF receivers.
package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	gpiod "github.com/warthog618/go-gpiocdev"
)

var ErrChipClosed = errors.New("chip not opened")

// Manager opens one chip and tracks every line requested from it so Close can
// release them all.
type Manager struct {
	chip  *gpiod.Chip
	lines []*gpiod.Line
	mu    sync.Mutex
}

func NewManager() *Manager {
	return &Manager{}
}

// OpenChip opens the GPIO chip device (e.g. "gpiochip0").
func (m *Manager) OpenChip(chipName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chip, err := gpiod.NewChip(chipName, gpiod.WithConsumer("buttonosc"))
	if err != nil {
		return errors.Wrapf(err, "open chip %s", chipName)
	}
	m.chip = chip
	return nil
}

// Close releases all lines and the chip.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, line := range m.lines {
		if err := line.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close line %d", line.Offset()))
		}
	}
	m.lines = nil

	if m.chip != nil {
		if err := m.chip.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close chip"))
		}
		m.chip = nil
	}

	if len(errs) > 0 {
		return errors.Errorf("errors during close: %v", errs)
	}
	return nil
}

func (m *Manager) request(pin int, opts ...gpiod.LineReqOption) (*gpiod.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chip == nil {
		return nil, ErrChipClosed
	}
	line, err := m.chip.RequestLine(pin, opts...)
	if err != nil {
		return nil, err
	}
	m.lines = append(m.lines, line)
	return line, nil
}

// Input requests a pulled-up, active-low button line: Value reports 1 while
// the button is held.
func (m *Manager) Input(pin int) (*Input, error) {
	line, err := m.request(pin, gpiod.AsInput, gpiod.WithPullUp, gpiod.AsActiveLow)
	if err != nil {
		return nil, errors.Wrapf(err, "request input pin %d", pin)
	}
	return &Input{line: line}, nil
}

// Output requests an LED line, initially off.
func (m *Manager) Output(pin int) (*PWMOutput, error) {
	line, err := m.request(pin, gpiod.AsOutput(0))
	if err != nil {
		return nil, errors.Wrapf(err, "request output pin %d", pin)
	}
	return &PWMOutput{line: line}, nil
}

// Edges watches both edges on pin and passes the kernel timestamp of each to
// handler. The handler runs on the gpiocdev event goroutine.
func (m *Manager) Edges(pin int, handler func(ts time.Duration)) error {
	_, err := m.request(pin,
		gpiod.AsInput,
		gpiod.WithBothEdges,
		gpiod.WithEventHandler(func(evt gpiod.LineEvent) {
			handler(evt.Timestamp)
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "request edge pin %d", pin)
	}
	return nil
}

// Input is a debounced-by-caller button line.
type Input struct {
	line *gpiod.Line
}

func (i *Input) Value() (int, error) {
	return i.line.Value()
}

// PWMOutput drives an LED line. Levels between off and full are produced by
// first-order delta-sigma modulation: every SetLevel call adds the level to an
// accumulator and the line is high on the calls where it overflows, so over
// any 255 calls the line is high exactly level times. SetLevel must be called
// once per loop iteration; the dimming follows the loop cadence, and at a 1 ms
// loop the lowest levels pulse at a few tens of hertz rather than at a steady
// glow.
type PWMOutput struct {
	line  *gpiod.Line
	sigma sigmaDelta
	last  int
	valid bool
}

func (p *PWMOutput) SetLevel(level uint8) error {
	v := p.sigma.next(level)
	if p.valid && v == p.last {
		return nil
	}
	if err := p.line.SetValue(v); err != nil {
		return errors.Wrapf(err, "set line %d", p.line.Offset())
	}
	p.last, p.valid = v, true
	return nil
}

// sigmaDelta spreads a duty cycle of level/255 evenly over successive calls.
type sigmaDelta struct {
	acc int
}

func (s *sigmaDelta) next(level uint8) int {
	switch level {
	case 0:
		s.acc = 0
		return 0
	case 255:
		s.acc = 0
		return 1
	}
	s.acc += int(level)
	if s.acc >= 255 {
		s.acc -= 255
		return 1
	}
	return 0
}
