// Package config builds the immutable controller configuration from a JSON
// document. The document may carry // and /* */ comments and trailing commas.
package config

import (
	"fmt"
	"slices"
	"strings"
)

const (
	DefaultChip        = "gpiochip0"
	DefaultLocalPort   = 54000
	DefaultEthernet    = "eth0"
	DefaultWiFi        = "wlan0"
	DefaultTopicPrefix = "buttonosc"
)

// ButtonType selects the hardware variant behind a button. The zero value is
// not a valid type.
type ButtonType int

const (
	Wired ButtonType = iota + 1
	Wireless
)

func (t ButtonType) String() string {
	switch t {
	case Wired:
		return "wired"
	case Wireless:
		return "wireless"
	default:
		return fmt.Sprintf("ButtonType(%d)", int(t))
	}
}

// Misc holds process-wide settings unrelated to routing.
type Misc struct {
	HeartbeatPin int    // GPIO line of the heartbeat LED
	Chip         string // GPIO chip device (e.g. "gpiochip0")
	LocalPort    int    // UDP source port shared by every outbound send
	LogLevel     string // optional, overridden by --log-level
}

// Addressing is the optional static configuration of an interface. A nil
// field is unset, which is not the same as an empty string.
type Addressing struct {
	IP      *string `json:"ip,omitempty"`
	Mask    *string `json:"mask,omitempty"`
	Gateway *string `json:"gw,omitempty"`
	DNS     *string `json:"dns,omitempty"`
}

// IsStatic reports whether static addressing was requested. Validation
// guarantees mask and gateway are set whenever IP is.
func (a Addressing) IsStatic() bool {
	return a.IP != nil
}

type Ethernet struct {
	Interface string `json:"interface,omitempty"`
	MAC       string `json:"mac"`
	Addressing
}

type WiFi struct {
	Interface string `json:"interface,omitempty"`
	SSID      string `json:"ssid"`
	Key       string `json:"key"`
	Addressing
}

// Network carries per-transport settings. A nil transport is not configured
// and is never selected at boot.
type Network struct {
	Ethernet *Ethernet `json:"ethernet,omitempty"`
	WiFi     *WiFi     `json:"wifi,omitempty"`
}

// Button is one configured button. Pin is used by wired buttons, Interrupt and
// Code by wireless ones.
type Button struct {
	ID        int
	Type      ButtonType
	LEDPin    int
	Pin       int
	Interrupt int
	Code      uint32
	OSC       string
	Target    int // index into the target list
}

// Target is a network destination shared by any number of buttons.
type Target struct {
	ID     int
	Server string
	Port   int
}

// MQTT configures the optional click mirror.
type MQTT struct {
	Broker      string `json:"broker"`       // e.g. "tcp://localhost:1883"
	User        string `json:"user"`         //
	Password    string `json:"password"`     //
	TopicPrefix string `json:"topic_prefix"` // base topic for click events
}

// Config is built once at startup and never modified afterwards. Slices are
// handed out as copies.
type Config struct {
	misc    Misc
	network Network
	mqtt    *MQTT
	buttons []Button
	targets []Target
}

func (c *Config) Misc() Misc { return c.misc }

// Network returns a deep copy; the pointers inside never reach the stored
// configuration.
func (c *Config) Network() Network { return c.network.clone() }

func (n Network) clone() Network {
	out := Network{}
	if n.Ethernet != nil {
		eth := *n.Ethernet
		eth.Addressing = eth.Addressing.clone()
		out.Ethernet = &eth
	}
	if n.WiFi != nil {
		wifi := *n.WiFi
		wifi.Addressing = wifi.Addressing.clone()
		out.WiFi = &wifi
	}
	return out
}

func (a Addressing) clone() Addressing {
	return Addressing{
		IP:      cloneString(a.IP),
		Mask:    cloneString(a.Mask),
		Gateway: cloneString(a.Gateway),
		DNS:     cloneString(a.DNS),
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// MQTT returns the mirror settings and whether the section was present.
func (c *Config) MQTT() (MQTT, bool) {
	if c.mqtt == nil {
		return MQTT{}, false
	}
	return *c.mqtt, true
}

func (c *Config) Buttons() []Button { return slices.Clone(c.buttons) }

func (c *Config) Targets() []Target { return slices.Clone(c.targets) }

// Target returns the target at index i.
func (c *Config) Target(i int) (Target, bool) {
	if i < 0 || i >= len(c.targets) {
		return Target{}, false
	}
	return c.targets[i], true
}

// ResolveTarget returns the target this button routes to.
func (b Button) ResolveTarget(c *Config) (Target, bool) {
	return c.Target(b.Target)
}

func (b Button) String() string {
	var hw string
	switch b.Type {
	case Wireless:
		hw = fmt.Sprintf("intr=%d code=%d", b.Interrupt, b.Code)
	default:
		hw = fmt.Sprintf("button=%d", b.Pin)
	}
	return fmt.Sprintf("Button(id=%d type=%s %s led=%d osc=%s target=%d)",
		b.ID, b.Type, hw, b.LEDPin, b.OSC, b.Target)
}

func (t Target) String() string {
	return fmt.Sprintf("Target(id=%d server=%s port=%d)", t.ID, t.Server, t.Port)
}

func (m Misc) String() string {
	return fmt.Sprintf("Misc(heartbeat_pin=%d chip=%s local_port=%d)", m.HeartbeatPin, m.Chip, m.LocalPort)
}

func (a Addressing) String() string {
	if !a.IsStatic() {
		return "dhcp"
	}
	return fmt.Sprintf("ip=%s mask=%s gw=%s dns=%s", deref(a.IP), deref(a.Mask), deref(a.Gateway), deref(a.DNS))
}

func (n Network) String() string {
	var parts []string
	if n.Ethernet != nil {
		parts = append(parts, fmt.Sprintf("ethernet(%s mac=%s %s)", n.Ethernet.Interface, n.Ethernet.MAC, n.Ethernet.Addressing))
	}
	if n.WiFi != nil {
		parts = append(parts, fmt.Sprintf("wifi(%s ssid=%s %s)", n.WiFi.Interface, n.WiFi.SSID, n.WiFi.Addressing))
	}
	return "Network(" + strings.Join(parts, " ") + ")"
}

// String renders the whole configuration for trace logging. The WiFi key and
// MQTT password are left out.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config(\n")
	b.WriteString(c.misc.String() + "\n")
	b.WriteString(c.network.String() + "\n")
	for _, btn := range c.buttons {
		b.WriteString(btn.String() + "\n")
	}
	for _, t := range c.targets {
		b.WriteString(t.String() + "\n")
	}
	if c.mqtt != nil {
		b.WriteString(fmt.Sprintf("MQTT(broker=%s prefix=%s)\n", c.mqtt.Broker, c.mqtt.TopicPrefix))
	}
	b.WriteString(")")
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
