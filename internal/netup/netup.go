// Package netup brings the network up at boot. Wired Ethernet wins when its
// hardware is present; WiFi is the fallback. Bring-up retries forever because
// the panel has nothing useful to do offline.
package netup

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/r0bb10/buttonosc/internal/config"
	"github.com/r0bb10/buttonosc/internal/logging"
)

const (
	LinkRetry  = time.Second
	DHCPRetry  = time.Second
	WiFiRetry  = 10 * time.Second
	maintainAt = time.Second

	// MaintainBackoff spaces lease attempts once the server stopped
	// answering; each attempt may block the loop for the DHCP timeout.
	MaintainBackoff = time.Minute
)

var ErrNoHardware = errors.New("no suitable network device found")

type State int

const (
	Uninitialized State = iota
	Probing
	WiredReady
	WirelessReady
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Probing:
		return "probing"
	case WiredReady:
		return "wired"
	case WirelessReady:
		return "wireless"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Static is fully specified manual addressing. DNS is optional.
type Static struct {
	IP      netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr
}

// Prefix returns the interface address with its mask as a prefix length.
func (s Static) Prefix() netip.Prefix {
	ones, _ := net.IPMask(s.Mask.AsSlice()).Size()
	return netip.PrefixFrom(s.IP, ones)
}

// Lease is the addressing obtained from DHCP.
type Lease struct {
	IP       netip.Addr
	Gateway  netip.Addr
	Duration time.Duration
}

// MaintainStatus reports what a lease maintenance pass did.
type MaintainStatus int

const (
	NoChange MaintainStatus = iota
	RenewFailed
	Renewed
	RebindFailed
	Rebound
)

// Ethernet is the wired interface driver.
type Ethernet interface {
	Name() string
	Present() bool
	LinkUp() bool
	SetMAC(mac net.HardwareAddr) error
	ConfigureStatic(s Static) error
	RequestLease(ctx context.Context) (Lease, error)
	Maintain(ctx context.Context, now time.Time) (MaintainStatus, Lease, error)
}

// WiFi is the wireless interface driver.
type WiFi interface {
	Name() string
	Present() bool
	ConfigureStatic(s Static) error
	Connect(ctx context.Context, ssid, key string) error
	Address() (netip.Addr, error)
}

// Link is the outcome of a successful bring-up.
type Link struct {
	State     State
	Interface string
}

// Medium names the link for the transport ("wired" or "wireless").
func (l Link) Medium() string { return l.State.String() }

// Bringup runs the probe state machine once and then maintains the lease.
type Bringup struct {
	net  config.Network
	eth  Ethernet
	wifi WiFi

	state        State
	usesDHCP     bool
	nextMaintain time.Time

	wait func(ctx context.Context, d time.Duration) error
	log  *logrus.Entry
}

// New prepares a bring-up. Either driver may be nil when the platform has no
// such hardware.
func New(n config.Network, eth Ethernet, wifi WiFi) *Bringup {
	return &Bringup{
		net:  n,
		eth:  eth,
		wifi: wifi,
		wait: sleep,
		log:  logging.For("net"),
	}
}

func (b *Bringup) State() State { return b.state }

// Run probes wired first, then wireless, and blocks until one is up. Only
// the absence of any usable hardware is terminal. Cancelling ctx aborts the
// retries.
func (b *Bringup) Run(ctx context.Context) (Link, error) {
	b.log.Trace("configuration (start)")
	defer b.log.Trace("configuration (end)")
	b.state = Probing

	switch {
	case b.net.Ethernet != nil && b.eth != nil && b.eth.Present():
		if err := b.runEthernet(ctx); err != nil {
			return Link{}, err
		}
		b.state = WiredReady
		return Link{State: b.state, Interface: b.eth.Name()}, nil

	case b.net.WiFi != nil && b.wifi != nil && b.wifi.Present():
		if err := b.runWiFi(ctx); err != nil {
			return Link{}, err
		}
		b.state = WirelessReady
		return Link{State: b.state, Interface: b.wifi.Name()}, nil
	}

	b.log.Error("no suitable device was found")
	b.state = Failed
	return Link{State: Failed}, ErrNoHardware
}

func (b *Bringup) runEthernet(ctx context.Context) error {
	cfg := b.net.Ethernet
	log := b.log.WithFields(logrus.Fields{"medium": "eth", "iface": b.eth.Name()})
	log.Trace("found hardware")

	for !b.eth.LinkUp() {
		log.Error("cable not connected")
		if err := b.wait(ctx, LinkRetry); err != nil {
			return err
		}
	}

	mac, err := net.ParseMAC(cfg.MAC)
	if err != nil {
		return errors.Wrapf(err, "mac %q", cfg.MAC)
	}
	if err := b.eth.SetMAC(mac); err != nil {
		log.WithError(err).Warn("could not set mac")
	}

	if cfg.IsStatic() {
		s := staticFrom(cfg.Addressing)
		log.WithFields(staticFields(s)).Debug("configuring (manual)")
		for {
			err := b.eth.ConfigureStatic(s)
			if err == nil {
				return nil
			}
			log.WithError(err).Error("static configuration failed")
			if err := b.wait(ctx, DHCPRetry); err != nil {
				return err
			}
		}
	}

	log.Debug("configuring (dhcp)")
	b.usesDHCP = true
	for {
		lease, err := b.eth.RequestLease(ctx)
		if err == nil {
			log.WithFields(logrus.Fields{"ip": lease.IP, "gw": lease.Gateway, "lease": lease.Duration}).Debug("dhcp bound")
			return nil
		}
		log.WithError(err).Error("dhcp failed")
		if err := b.wait(ctx, DHCPRetry); err != nil {
			return err
		}
	}
}

func (b *Bringup) runWiFi(ctx context.Context) error {
	cfg := b.net.WiFi
	log := b.log.WithFields(logrus.Fields{"medium": "wifi", "iface": b.wifi.Name()})

	if cfg.IsStatic() {
		s := staticFrom(cfg.Addressing)
		log.WithFields(staticFields(s)).Debug("configuring (manual)")
		if err := b.wifi.ConfigureStatic(s); err != nil {
			log.WithError(err).Error("static configuration failed")
		}
	} else {
		log.Debug("configuring (dhcp)")
	}

	for {
		log.WithField("ssid", cfg.SSID).Debug("attempting to connect")
		err := b.wifi.Connect(ctx, cfg.SSID, cfg.Key)
		if err == nil {
			break
		}
		log.WithError(err).Error("connect failed")
		if err := b.wait(ctx, WiFiRetry); err != nil {
			return err
		}
	}

	if !cfg.IsStatic() {
		if ip, err := b.wifi.Address(); err == nil {
			log.WithField("ip", ip).Debug("connected")
		}
	}
	return nil
}

// Maintain renews or rebinds a DHCP lease when due and logs the outcome.
// Nothing depends on the result beyond the log. It is cheap to call every
// loop iteration: the driver is consulted at most once per second, and only
// once per MaintainBackoff after a failed renew or rebind.
func (b *Bringup) Maintain(ctx context.Context, now time.Time) {
	if b.state != WiredReady || !b.usesDHCP {
		return
	}
	if now.Before(b.nextMaintain) {
		return
	}
	b.nextMaintain = now.Add(maintainAt)
	if !b.eth.LinkUp() {
		return
	}

	status, lease, err := b.eth.Maintain(ctx, now)
	log := b.log.WithField("medium", "eth")
	switch status {
	case RenewFailed:
		log.WithError(err).WithField("retry", MaintainBackoff).Error("dhcp lease renewal failed")
		b.nextMaintain = now.Add(MaintainBackoff)
	case Renewed:
		log.WithField("ip", lease.IP).Debug("dhcp lease renewed successfully")
	case RebindFailed:
		log.WithError(err).WithField("retry", MaintainBackoff).Error("dhcp lease rebind failed")
		b.nextMaintain = now.Add(MaintainBackoff)
	case Rebound:
		log.WithField("ip", lease.IP).Info("dhcp lease rebound successfully")
	}
}

func staticFrom(a config.Addressing) Static {
	s := Static{
		IP:      netip.MustParseAddr(*a.IP),
		Mask:    netip.MustParseAddr(*a.Mask),
		Gateway: netip.MustParseAddr(*a.Gateway),
	}
	if a.DNS != nil {
		s.DNS = netip.MustParseAddr(*a.DNS)
	}
	return s
}

func staticFields(s Static) logrus.Fields {
	return logrus.Fields{"ip": s.IP, "mask": s.Mask, "gw": s.Gateway, "dns": s.DNS}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
