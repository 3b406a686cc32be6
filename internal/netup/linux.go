//go:build linux

package netup

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

const (
	defaultLease = time.Hour
	dhcpTimeout  = 5 * time.Second
	resolvConf   = "/etc/resolv.conf"
)

// LinkEthernet drives a wired interface through netlink and leases addresses
// with a DHCPv4 client.
type LinkEthernet struct {
	name  string
	lease *nclient4.Lease
}

func NewLinkEthernet(name string) *LinkEthernet {
	return &LinkEthernet{name: name}
}

func (e *LinkEthernet) Name() string { return e.name }

func (e *LinkEthernet) Present() bool {
	_, err := netlink.LinkByName(e.name)
	return err == nil
}

// LinkUp raises the interface if needed and reports carrier.
func (e *LinkEthernet) LinkUp() bool {
	link, err := netlink.LinkByName(e.name)
	if err != nil {
		return false
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return false
		}
	}
	return link.Attrs().OperState == netlink.OperUp
}

func (e *LinkEthernet) SetMAC(mac net.HardwareAddr) error {
	link, err := netlink.LinkByName(e.name)
	if err != nil {
		return errors.Wrapf(err, "link %s", e.name)
	}
	if link.Attrs().HardwareAddr.String() == mac.String() {
		return nil
	}
	return errors.Wrapf(netlink.LinkSetHardwareAddr(link, mac), "set mac on %s", e.name)
}

func (e *LinkEthernet) ConfigureStatic(s Static) error {
	return applyStatic(e.name, s)
}

func (e *LinkEthernet) RequestLease(ctx context.Context) (Lease, error) {
	lease, err := e.request(ctx)
	if err != nil {
		return Lease{}, err
	}
	e.lease = lease
	return leaseFrom(lease), nil
}

func (e *LinkEthernet) request(ctx context.Context, modifiers ...dhcpv4.Modifier) (*nclient4.Lease, error) {
	client, err := nclient4.New(e.name)
	if err != nil {
		return nil, errors.Wrapf(err, "dhcp client on %s", e.name)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, dhcpTimeout)
	defer cancel()
	lease, err := client.Request(ctx, modifiers...)
	if err != nil {
		return nil, errors.Wrap(err, "dhcp request")
	}
	if err := applyLease(e.name, lease.ACK); err != nil {
		return nil, err
	}
	return lease, nil
}

// Maintain follows the usual T1/T2 schedule: renew our address from half the
// lease, switch to a fresh request from seven eighths.
func (e *LinkEthernet) Maintain(ctx context.Context, now time.Time) (MaintainStatus, Lease, error) {
	if e.lease == nil {
		return NoChange, Lease{}, nil
	}
	d := e.lease.ACK.IPAddressLeaseTime(defaultLease)
	started := e.lease.CreationTime
	if now.Before(started.Add(d / 2)) {
		return NoChange, leaseFrom(e.lease), nil
	}

	// Past T2 the renew is skipped so one call blocks for one timeout only.
	if now.Before(started.Add(d * 7 / 8)) {
		requested := dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(e.lease.ACK.YourIPAddr))
		lease, err := e.request(ctx, requested)
		if err != nil {
			return RenewFailed, leaseFrom(e.lease), err
		}
		e.lease = lease
		return Renewed, leaseFrom(lease), nil
	}

	lease, err := e.request(ctx)
	if err != nil {
		return RebindFailed, leaseFrom(e.lease), err
	}
	e.lease = lease
	return Rebound, leaseFrom(lease), nil
}

func leaseFrom(l *nclient4.Lease) Lease {
	out := Lease{Duration: l.ACK.IPAddressLeaseTime(defaultLease)}
	out.IP, _ = netip.AddrFromSlice(l.ACK.YourIPAddr.To4())
	if routers := l.ACK.Router(); len(routers) > 0 {
		out.Gateway, _ = netip.AddrFromSlice(routers[0].To4())
	}
	return out
}

func applyLease(iface string, ack *dhcpv4.DHCPv4) error {
	s := Static{}
	var ok bool
	if s.IP, ok = netip.AddrFromSlice(ack.YourIPAddr.To4()); !ok {
		return errors.Errorf("dhcp: no address offered on %s", iface)
	}
	mask := ack.SubnetMask()
	if mask == nil {
		mask = net.CIDRMask(24, 32)
	}
	s.Mask, _ = netip.AddrFromSlice(net.IP(mask).To4())
	if routers := ack.Router(); len(routers) > 0 {
		s.Gateway, _ = netip.AddrFromSlice(routers[0].To4())
	}
	if dns := ack.DNS(); len(dns) > 0 {
		s.DNS, _ = netip.AddrFromSlice(dns[0].To4())
	}
	return applyStatic(iface, s)
}

// applyStatic sets the interface address, default route and resolver.
func applyStatic(iface string, s Static) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return errors.Wrapf(err, "link %s", iface)
	}
	prefix := s.Prefix()
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(s.IP.AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), 32),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return errors.Wrapf(err, "address %s on %s", prefix, iface)
	}
	if s.Gateway.IsValid() {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: net.IP(s.Gateway.AsSlice())}
		if err := netlink.RouteReplace(route); err != nil {
			return errors.Wrapf(err, "default route via %s", s.Gateway)
		}
	}
	if s.DNS.IsValid() {
		content := fmt.Sprintf("nameserver %s\n", s.DNS)
		if err := os.WriteFile(resolvConf, []byte(content), 0o644); err != nil {
			return errors.Wrap(err, "write resolver")
		}
	}
	return nil
}

// NMWiFi joins networks through NetworkManager's nmcli.
type NMWiFi struct {
	name   string
	static *Static
}

func NewNMWiFi(name string) *NMWiFi {
	return &NMWiFi{name: name}
}

func (w *NMWiFi) Name() string { return w.name }

func (w *NMWiFi) Present() bool {
	if _, err := netlink.LinkByName(w.name); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join("/sys/class/net", w.name, "wireless"))
	return err == nil
}

// ConfigureStatic records the addressing; it is applied once associated.
func (w *NMWiFi) ConfigureStatic(s Static) error {
	w.static = &s
	return nil
}

func (w *NMWiFi) Connect(ctx context.Context, ssid, key string) error {
	args := []string{"device", "wifi", "connect", ssid, "ifname", w.name}
	if key != "" {
		args = append(args, "password", key)
	}
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "nmcli: %s", strings.TrimSpace(string(out)))
	}
	if w.static != nil {
		return applyStatic(w.name, *w.static)
	}
	return nil
}

func (w *NMWiFi) Address() (netip.Addr, error) {
	link, err := netlink.LinkByName(w.name)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "link %s", w.name)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "addresses of %s", w.name)
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			return ip, nil
		}
	}
	return netip.Addr{}, errors.Errorf("%s has no address", w.name)
}
