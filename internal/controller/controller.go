// Package controller assembles buttons, LEDs and the heartbeat from the
// configuration and runs the polling loop.
package controller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/r0bb10/buttonosc/internal/button"
	"github.com/r0bb10/buttonosc/internal/config"
	"github.com/r0bb10/buttonosc/internal/dispatch"
	"github.com/r0bb10/buttonosc/internal/gpio"
	"github.com/r0bb10/buttonosc/internal/led"
	"github.com/r0bb10/buttonosc/internal/logging"
	"github.com/r0bb10/buttonosc/internal/rf"
)

// PollInterval is the pause between two loop iterations.
const PollInterval = time.Millisecond

// Hardware hands out the lines the controller drives.
type Hardware interface {
	Input(pin int) (button.InputPin, error)
	Output(pin int) (led.Sink, error)
	Edges(pin int, handler func(ts time.Duration)) error
	Close() error
}

// GPIO adapts a gpio.Manager to Hardware.
func GPIO(m *gpio.Manager) Hardware {
	return gpioHardware{m}
}

type gpioHardware struct {
	*gpio.Manager
}

func (g gpioHardware) Input(pin int) (button.InputPin, error) {
	in, err := g.Manager.Input(pin)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (g gpioHardware) Output(pin int) (led.Sink, error) {
	out, err := g.Manager.Output(pin)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MaintainFunc is called once per loop iteration after the LEDs are updated.
type MaintainFunc func(ctx context.Context, now time.Time)

type Controller struct {
	hw        Hardware
	buttons   []button.Button
	heartbeat *led.Heartbeat
	receivers map[int]*rf.Decoder
	ledErrs   map[*led.LED]bool
	log       *logrus.Entry
}

// New builds every configured button in configuration order. Wireless buttons
// sharing an interrupt line share one decoder. On error the lines requested so
// far stay with hw, which the caller closes.
func New(ctx context.Context, cfg *config.Config, hw Hardware, router *dispatch.Router, mirror *dispatch.Mirror) (*Controller, error) {
	c := &Controller{
		hw:        hw,
		receivers: make(map[int]*rf.Decoder),
		ledErrs:   make(map[*led.LED]bool),
		log:       logging.For("controller"),
	}

	hbSink, err := hw.Output(cfg.Misc().HeartbeatPin)
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat led")
	}
	c.heartbeat = led.NewHeartbeat(hbSink)

	for _, bc := range cfg.Buttons() {
		b, err := c.build(ctx, bc, router, mirror)
		if err != nil {
			return nil, errors.Wrapf(err, "button %d", bc.ID)
		}
		c.buttons = append(c.buttons, b)
		c.log.WithField("button", bc.String()).Debug("button ready")
	}
	return c, nil
}

func (c *Controller) build(ctx context.Context, bc config.Button, router *dispatch.Router, mirror *dispatch.Mirror) (button.Button, error) {
	dc, err := router.Context(ctx, bc)
	if err != nil {
		return nil, err
	}
	onClick := dispatch.Handler(dc, mirror)

	sink, err := c.hw.Output(bc.LEDPin)
	if err != nil {
		return nil, errors.Wrap(err, "led")
	}
	l := led.New(sink)

	switch bc.Type {
	case config.Wired:
		pin, err := c.hw.Input(bc.Pin)
		if err != nil {
			return nil, errors.Wrap(err, "input")
		}
		return button.NewWired(bc.ID, pin, l, onClick), nil

	case config.Wireless:
		rx, ok := c.receivers[bc.Interrupt]
		if !ok {
			rx = rf.NewDecoder()
			if err := c.hw.Edges(bc.Interrupt, rx.HandleEdge); err != nil {
				return nil, errors.Wrap(err, "receiver")
			}
			c.receivers[bc.Interrupt] = rx
		}
		return button.NewWireless(bc.ID, rx, bc.Code, l, onClick), nil
	}
	return nil, errors.Errorf("unsupported button type %s", bc.Type)
}

func (c *Controller) Buttons() []button.Button { return c.buttons }

func (c *Controller) Heartbeat() *led.Heartbeat { return c.heartbeat }

// Step runs one loop iteration: poll every button (dispatching any click
// before moving on), then advance every LED, then the heartbeat.
func (c *Controller) Step(now time.Time) {
	for _, b := range c.buttons {
		b.Poll(now)
	}
	for _, b := range c.buttons {
		b.LED().Tick(now)
		c.checkLED(b.LED(), b.ID())
	}
	c.heartbeat.Tick(now)
	c.checkLED(c.heartbeat.LED(), 0)
}

// checkLED logs the first write failure of each LED.
func (c *Controller) checkLED(l *led.LED, id int) {
	if l.Err() == nil || c.ledErrs[l] {
		return
	}
	c.ledErrs[l] = true
	c.log.WithError(l.Err()).WithField("button", id).Error("led write failed")
}

// Run loops until ctx is done. clock supplies the time of each iteration.
func (c *Controller) Run(ctx context.Context, clock func() time.Time, maintain MaintainFunc) error {
	c.log.Info("running")
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := clock()
		c.Step(now)
		if maintain != nil {
			maintain(ctx, now)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close turns every LED off and releases the hardware.
func (c *Controller) Close() error {
	now := time.Now()
	for _, b := range c.buttons {
		b.LED().Off(now, 0)
		b.LED().Tick(now)
	}
	c.heartbeat.LED().Off(now, 0)
	c.heartbeat.LED().Tick(now)
	return c.hw.Close()
}
