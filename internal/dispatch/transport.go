package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// Transport sends one datagram. It is chosen once at boot and shared by every
// button.
type Transport interface {
	Send(payload []byte, to netip.AddrPort) error
}

// UDPTransport is a single UDP socket bound to a fixed local port, optionally
// pinned to the interface selected during network bring-up.
type UDPTransport struct {
	conn   *net.UDPConn
	iface  string
	medium string
}

// ListenUDP opens the shared socket. An empty iface leaves routing to the
// kernel.
func ListenUDP(port int, iface, medium string) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: bindToDevice(iface)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp :%d", port)
	}
	return &UDPTransport{conn: pc.(*net.UDPConn), iface: iface, medium: medium}, nil
}

func (t *UDPTransport) Send(payload []byte, to netip.AddrPort) error {
	if _, err := t.conn.WriteToUDPAddrPort(payload, to); err != nil {
		return errors.Wrapf(err, "send to %s", to)
	}
	return nil
}

// LocalPort is the bound source port.
func (t *UDPTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Medium names the network the socket was opened for ("wired", "wireless").
func (t *UDPTransport) Medium() string { return t.medium }

func (t *UDPTransport) String() string {
	if t.iface == "" {
		return fmt.Sprintf("udp(:%d %s)", t.LocalPort(), t.medium)
	}
	return fmt.Sprintf("udp(:%d %s via %s)", t.LocalPort(), t.medium, t.iface)
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
