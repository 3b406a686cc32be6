// Package dispatch routes button clicks to their configured targets as OSC
// messages.
package dispatch

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/r0bb10/buttonosc/internal/config"
	"github.com/r0bb10/buttonosc/internal/logging"
)

var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrUnresolvable  = errors.New("target host unresolvable")
)

// Resolver looks up target host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Router builds dispatch contexts, resolving each target host only once.
type Router struct {
	cfg       *config.Config
	transport Transport
	resolver  Resolver
	resolved  map[int]netip.AddrPort
	log       *logrus.Entry
}

func NewRouter(cfg *config.Config, transport Transport, resolver Resolver) *Router {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Router{
		cfg:       cfg,
		transport: transport,
		resolver:  resolver,
		resolved:  make(map[int]netip.AddrPort),
		log:       logging.For("dispatch"),
	}
}

// Context is everything a button needs to send its message. It is built once
// per button and reused for every click.
type Context struct {
	buttonID  int
	address   string
	target    config.Target
	dest      netip.AddrPort
	payload   []byte
	transport Transport
}

// Context resolves b's target and pre-encodes its OSC message.
func (r *Router) Context(ctx context.Context, b config.Button) (*Context, error) {
	target, ok := b.ResolveTarget(r.cfg)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTarget, "button %d: target %d", b.ID, b.Target)
	}
	dest, err := r.resolve(ctx, b.Target, target)
	if err != nil {
		return nil, errors.Wrapf(err, "button %d", b.ID)
	}

	// The template is sent as the address pattern with no arguments.
	payload, err := osc.NewMessage(b.OSC).MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "button %d: encode %q", b.ID, b.OSC)
	}

	return &Context{
		buttonID:  b.ID,
		address:   b.OSC,
		target:    target,
		dest:      dest,
		payload:   payload,
		transport: r.transport,
	}, nil
}

func (r *Router) resolve(ctx context.Context, index int, t config.Target) (netip.AddrPort, error) {
	if ap, ok := r.resolved[index]; ok {
		return ap, nil
	}

	addr, err := netip.ParseAddr(t.Server)
	if err != nil {
		addrs, lookupErr := r.resolver.LookupNetIP(ctx, "ip4", t.Server)
		if lookupErr != nil || len(addrs) == 0 {
			return netip.AddrPort{}, errors.Wrapf(ErrUnresolvable, "%s: %v", t.Server, lookupErr)
		}
		addr = addrs[0]
		r.log.WithFields(logrus.Fields{"server": t.Server, "addr": addr}).Debug("resolved target")
	}

	ap := netip.AddrPortFrom(addr.Unmap(), uint16(t.Port))
	r.resolved[index] = ap
	return ap, nil
}

func (c *Context) ButtonID() int { return c.buttonID }

// Address is the OSC address pattern sent on click.
func (c *Context) Address() string { return c.address }

func (c *Context) Target() config.Target { return c.target }

func (c *Context) Destination() netip.AddrPort { return c.dest }

// Dispatch sends the message once. There is no retry and no acknowledgement.
func (c *Context) Dispatch() error {
	return c.transport.Send(c.payload, c.dest)
}

// Handler returns the click function for a button: send, then mirror. Send
// failures are logged and never reach the button.
func Handler(c *Context, mirror *Mirror) func(now time.Time) {
	log := logging.For("dispatch").WithFields(logrus.Fields{
		"button": c.buttonID,
		"osc":    c.address,
		"dest":   c.dest.String(),
	})
	return func(now time.Time) {
		log.Trace("OSC send")
		if err := c.Dispatch(); err != nil {
			log.WithError(err).Warn("OSC send failed")
		} else {
			log.WithField("took", time.Since(now)).Trace("OSC sent")
		}
		if mirror != nil {
			mirror.Click(c, now)
		}
	}
}
