package controller

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0bb10/buttonosc/internal/button"
	"github.com/r0bb10/buttonosc/internal/config"
	"github.com/r0bb10/buttonosc/internal/dispatch"
	"github.com/r0bb10/buttonosc/internal/led"
)

const doc = `{
  "misc": { "heartbeat_pin": 13 },
  "network": {},
  "buttons": [
    { "id": 1, "button_type": "wired", "button_pin": 2, "led_pin": 3, "osc_string": "/cue/go", "target": 0 },
    { "id": 2, "button_type": "wireless", "button_intr": 17, "button_code": 1361, "led_pin": 5, "osc_string": "/cue/stop", "target": 0 },
    { "id": 3, "button_type": "wireless", "button_intr": 17, "button_code": 5393, "led_pin": 6, "osc_string": "/cue/back", "target": 1 }
  ],
  "targets": [
    { "id": 0, "server": "10.0.0.5", "port": 9000 },
    { "id": 1, "server": "10.0.0.6", "port": 53000 }
  ]
}`

type fakePin struct{ value int }

func (p *fakePin) Value() (int, error) { return p.value, nil }

type levelSink struct {
	level uint8
	err   error
}

func (s *levelSink) SetLevel(level uint8) error {
	s.level = level
	return s.err
}

type fakeHardware struct {
	inputs     map[int]*fakePin
	outputs    map[int]*levelSink
	edges      map[int]func(time.Duration)
	edgeCalls  int
	failOutput int
	closed     bool
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		inputs:     map[int]*fakePin{},
		outputs:    map[int]*levelSink{},
		edges:      map[int]func(time.Duration){},
		failOutput: -1,
	}
}

func (h *fakeHardware) Input(pin int) (button.InputPin, error) {
	p := &fakePin{}
	h.inputs[pin] = p
	return p, nil
}

func (h *fakeHardware) Output(pin int) (led.Sink, error) {
	if pin == h.failOutput {
		return nil, errors.New("line busy")
	}
	s := &levelSink{}
	h.outputs[pin] = s
	return s, nil
}

func (h *fakeHardware) Edges(pin int, handler func(time.Duration)) error {
	h.edgeCalls++
	h.edges[pin] = handler
	return nil
}

func (h *fakeHardware) Close() error {
	h.closed = true
	return nil
}

type send struct {
	to       netip.AddrPort
	ledLevel map[int]uint8
}

// snapshotTransport records each send together with the LED levels at that
// moment.
type snapshotTransport struct {
	hw    *fakeHardware
	sends []send
}

func (t *snapshotTransport) Send(_ []byte, to netip.AddrPort) error {
	levels := map[int]uint8{}
	for pin, s := range t.hw.outputs {
		levels[pin] = s.level
	}
	t.sends = append(t.sends, send{to: to, ledLevel: levels})
	return nil
}

func setup(t *testing.T) (*Controller, *fakeHardware, *snapshotTransport) {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	hw := newFakeHardware()
	tr := &snapshotTransport{hw: hw}
	c, err := New(context.Background(), cfg, hw, dispatch.NewRouter(cfg, tr, nil), nil)
	require.NoError(t, err)
	return c, hw, tr
}

// keyRemote feeds three protocol 1 transmissions of a 24 bit code.
func keyRemote(handler func(time.Duration), start time.Duration, code uint32) {
	const pulse = 350 * time.Microsecond
	ts := start
	handler(ts)
	edge := func(high, low int) {
		ts += pulse * time.Duration(high)
		handler(ts)
		ts += pulse * time.Duration(low)
		handler(ts)
	}
	for r := 0; r < 3; r++ {
		for i := 23; i >= 0; i-- {
			if code&(1<<uint(i)) != 0 {
				edge(3, 1)
			} else {
				edge(1, 3)
			}
		}
		edge(1, 31)
	}
}

var t0 = time.Unix(1_700_000_000, 0)

func TestNewBuildsEveryButton(t *testing.T) {
	c, hw, _ := setup(t)

	var ids []int
	for _, b := range c.Buttons() {
		ids = append(ids, b.ID())
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.Contains(t, hw.inputs, 2)
	assert.Equal(t, 1, hw.edgeCalls, "wireless buttons on one line share a receiver")
	assert.Contains(t, hw.edges, 17)
	for _, pin := range []int{3, 5, 6, 13} {
		assert.Contains(t, hw.outputs, pin)
	}

	c.Step(t0)
	for _, pin := range []int{3, 5, 6} {
		assert.Equal(t, led.Full, hw.outputs[pin].level, "pin %d rests lit", pin)
	}
	assert.Equal(t, led.HeartbeatLow, hw.outputs[13].level)
}

func TestWiredClickFeedback(t *testing.T) {
	c, hw, tr := setup(t)
	c.Step(t0)

	hw.inputs[2].value = 1
	c.Step(t0.Add(time.Millisecond))
	assert.Empty(t, tr.sends, "press not yet stable")

	pressed := t0.Add(time.Millisecond + button.DebounceWindow)
	c.Step(pressed)
	require.Len(t, tr.sends, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.5:9000"), tr.sends[0].to)
	assert.Equal(t, led.Off, tr.sends[0].ledLevel[3], "LED dark while sending")
	assert.Equal(t, led.Full, tr.sends[0].ledLevel[5], "other LEDs untouched")

	c.Step(pressed.Add(button.HoldTime - time.Millisecond))
	assert.Equal(t, led.Off, hw.outputs[3].level)
	c.Step(pressed.Add(button.HoldTime))
	assert.Equal(t, led.Full, hw.outputs[3].level)

	// Holding the button does not repeat.
	c.Step(t0.Add(time.Second))
	assert.Len(t, tr.sends, 1)
}

func TestWirelessCodesReachTheirButtons(t *testing.T) {
	c, hw, tr := setup(t)

	keyRemote(hw.edges[17], time.Second, 5393)
	c.Step(t0)
	require.Len(t, tr.sends, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.6:53000"), tr.sends[0].to)
	assert.Equal(t, led.Off, tr.sends[0].ledLevel[6])

	keyRemote(hw.edges[17], 2*time.Second, 1361)
	c.Step(t0.Add(time.Second))
	require.Len(t, tr.sends, 2)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.5:9000"), tr.sends[1].to)

	c.Step(t0.Add(2 * time.Second))
	assert.Len(t, tr.sends, 2, "consumed codes do not fire again")
}

func TestNewFailsOnLineError(t *testing.T) {
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	hw := newFakeHardware()
	hw.failOutput = 5

	_, err = New(context.Background(), cfg, hw, dispatch.NewRouter(cfg, &snapshotTransport{hw: hw}, nil), nil)
	assert.ErrorContains(t, err, "button 2")
}

func TestLEDFailureDoesNotStopLoop(t *testing.T) {
	c, hw, tr := setup(t)
	hw.outputs[3].err = errors.New("line gone")

	hw.inputs[2].value = 1
	c.Step(t0)
	c.Step(t0.Add(button.DebounceWindow))
	assert.Len(t, tr.sends, 1)
	assert.Error(t, c.Buttons()[0].LED().Err())
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	now := t0
	clock := func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	calls := 0
	maintain := func(_ context.Context, _ time.Time) {
		calls++
		if calls == 3 {
			cancel()
		}
	}

	err := c.Run(ctx, clock, maintain)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}

func TestCloseDarkensAndReleases(t *testing.T) {
	c, hw, _ := setup(t)
	c.Step(t0)

	require.NoError(t, c.Close())
	assert.True(t, hw.closed)
	for pin, s := range hw.outputs {
		assert.Equal(t, led.Off, s.level, "pin %d", pin)
	}
}
