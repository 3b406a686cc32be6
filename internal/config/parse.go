package config

import (
	"encoding/json"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

var (
	ErrUnreadable     = errors.New("configuration unreadable")
	ErrMissingSection = errors.New("missing required section")
	ErrInvalidMisc    = errors.New("invalid misc settings")
	ErrInvalidNetwork = errors.New("invalid network settings")
	ErrInvalidButton  = errors.New("invalid button")
	ErrInvalidTarget  = errors.New("invalid target")
	ErrInvalidMQTT    = errors.New("invalid mqtt settings")
)

var requiredSections = []string{"misc", "network", "buttons", "targets"}

type rawMisc struct {
	HeartbeatPin *int   `json:"heartbeat_pin"`
	Chip         string `json:"chip"`
	LocalPort    int    `json:"local_port"`
	LogLevel     string `json:"log_level"`
}

type rawButton struct {
	ID        int     `json:"id"`
	Type      string  `json:"button_type"`
	LEDPin    *int    `json:"led_pin"`
	Pin       *int    `json:"button_pin"`
	Interrupt *int    `json:"button_intr"`
	Code      *uint32 `json:"button_code"`
	OSC       string  `json:"osc_string"`
	Target    *int    `json:"target"`
}

type rawTarget struct {
	ID     int    `json:"id"`
	Server string `json:"server"`
	Port   int    `json:"port"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "read %s: %v", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Read parses a configuration held by any other storage.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "read: %v", err)
	}
	return Parse(data)
}

// Parse builds a validated Config. Any fault, whether a missing section or a
// single malformed button, rejects the whole document.
func Parse(data []byte) (*Config, error) {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &tree); err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "parse: %v", err)
	}
	if tree == nil {
		return nil, errors.Wrap(ErrUnreadable, "document is not an object")
	}
	for _, key := range requiredSections {
		if raw, ok := tree[key]; !ok || string(raw) == "null" {
			return nil, errors.Wrapf(ErrMissingSection, "%q", key)
		}
	}

	cfg := &Config{}
	var err error
	if cfg.misc, err = parseMisc(tree["misc"]); err != nil {
		return nil, err
	}
	if cfg.network, err = parseNetwork(tree["network"]); err != nil {
		return nil, err
	}
	if cfg.targets, err = parseTargets(tree["targets"]); err != nil {
		return nil, err
	}
	if cfg.buttons, err = parseButtons(tree["buttons"], len(cfg.targets)); err != nil {
		return nil, err
	}
	if raw, ok := tree["mqtt"]; ok && string(raw) != "null" {
		if cfg.mqtt, err = parseMQTT(raw); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseMisc(raw json.RawMessage) (Misc, error) {
	var m rawMisc
	if err := json.Unmarshal(raw, &m); err != nil {
		return Misc{}, errors.Wrapf(ErrInvalidMisc, "%v", err)
	}
	if m.HeartbeatPin == nil {
		return Misc{}, errors.Wrap(ErrInvalidMisc, "heartbeat_pin is required")
	}
	misc := Misc{
		HeartbeatPin: *m.HeartbeatPin,
		Chip:         m.Chip,
		LocalPort:    m.LocalPort,
		LogLevel:     m.LogLevel,
	}
	if misc.Chip == "" {
		misc.Chip = DefaultChip
	}
	if misc.LocalPort == 0 {
		misc.LocalPort = DefaultLocalPort
	}
	if misc.LocalPort < 0 || misc.LocalPort > 65535 {
		return Misc{}, errors.Wrapf(ErrInvalidMisc, "local_port %d out of range", misc.LocalPort)
	}
	return misc, nil
}

func parseNetwork(raw json.RawMessage) (Network, error) {
	var n Network
	if err := json.Unmarshal(raw, &n); err != nil {
		return Network{}, errors.Wrapf(ErrInvalidNetwork, "%v", err)
	}
	if eth := n.Ethernet; eth != nil {
		if eth.Interface == "" {
			eth.Interface = DefaultEthernet
		}
		if eth.MAC == "" {
			return Network{}, errors.Wrap(ErrInvalidNetwork, "ethernet: mac is required")
		}
		if _, err := net.ParseMAC(eth.MAC); err != nil {
			return Network{}, errors.Wrapf(ErrInvalidNetwork, "ethernet: mac %q: %v", eth.MAC, err)
		}
		if err := checkAddressing("ethernet", eth.Addressing); err != nil {
			return Network{}, err
		}
	}
	if wifi := n.WiFi; wifi != nil {
		if wifi.Interface == "" {
			wifi.Interface = DefaultWiFi
		}
		if wifi.SSID == "" {
			return Network{}, errors.Wrap(ErrInvalidNetwork, "wifi: ssid is required")
		}
		if err := checkAddressing("wifi", wifi.Addressing); err != nil {
			return Network{}, err
		}
	}
	return n, nil
}

func checkAddressing(medium string, a Addressing) error {
	if a.IP == nil {
		if a.Mask != nil || a.Gateway != nil || a.DNS != nil {
			return errors.Wrapf(ErrInvalidNetwork, "%s: mask/gw/dns given without ip", medium)
		}
		return nil
	}
	if a.Mask == nil || a.Gateway == nil {
		return errors.Wrapf(ErrInvalidNetwork, "%s: static ip needs mask and gw", medium)
	}
	fields := []struct {
		name string
		val  *string
	}{{"ip", a.IP}, {"mask", a.Mask}, {"gw", a.Gateway}, {"dns", a.DNS}}
	for _, f := range fields {
		if f.val == nil {
			continue
		}
		if addr, err := netip.ParseAddr(*f.val); err != nil || !addr.Is4() {
			return errors.Wrapf(ErrInvalidNetwork, "%s: %s %q is not an IPv4 address", medium, f.name, *f.val)
		}
	}
	return nil
}

func parseTargets(raw json.RawMessage) ([]Target, error) {
	var list []rawTarget
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrapf(ErrInvalidTarget, "%v", err)
	}
	targets := make([]Target, 0, len(list))
	for i, t := range list {
		if t.Server == "" {
			return nil, errors.Wrapf(ErrInvalidTarget, "target %d: server is required", i)
		}
		if t.Port < 1 || t.Port > 65535 {
			return nil, errors.Wrapf(ErrInvalidTarget, "target %d: port %d out of range", i, t.Port)
		}
		targets = append(targets, Target{ID: t.ID, Server: t.Server, Port: t.Port})
	}
	return targets, nil
}

func parseButtons(raw json.RawMessage, targetCount int) ([]Button, error) {
	var list []rawButton
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrapf(ErrInvalidButton, "%v", err)
	}
	buttons := make([]Button, 0, len(list))
	for i, rb := range list {
		b, err := rb.build(targetCount)
		if err != nil {
			return nil, errors.Wrapf(err, "button %d", i)
		}
		buttons = append(buttons, b)
	}
	return buttons, nil
}

func (rb rawButton) build(targetCount int) (Button, error) {
	b := Button{ID: rb.ID, OSC: rb.OSC}
	switch rb.Type {
	case "wired":
		b.Type = Wired
		if rb.Pin == nil {
			return Button{}, errors.Wrap(ErrInvalidButton, "wired button needs button_pin")
		}
		b.Pin = *rb.Pin
	case "wireless":
		b.Type = Wireless
		if rb.Interrupt == nil || rb.Code == nil {
			return Button{}, errors.Wrap(ErrInvalidButton, "wireless button needs button_intr and button_code")
		}
		b.Interrupt = *rb.Interrupt
		b.Code = *rb.Code
	default:
		return Button{}, errors.Wrapf(ErrInvalidButton, "unknown button_type %q", rb.Type)
	}
	if rb.LEDPin == nil {
		return Button{}, errors.Wrap(ErrInvalidButton, "led_pin is required")
	}
	b.LEDPin = *rb.LEDPin
	if !strings.HasPrefix(b.OSC, "/") {
		return Button{}, errors.Wrapf(ErrInvalidButton, "osc_string %q must start with '/'", b.OSC)
	}
	if rb.Target == nil {
		return Button{}, errors.Wrap(ErrInvalidButton, "target is required")
	}
	if *rb.Target < 0 || *rb.Target >= targetCount {
		return Button{}, errors.Wrapf(ErrInvalidTarget, "target index %d out of range (%d targets)", *rb.Target, targetCount)
	}
	b.Target = *rb.Target
	return b, nil
}

func parseMQTT(raw json.RawMessage) (*MQTT, error) {
	var m MQTT
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(ErrInvalidMQTT, "%v", err)
	}
	if m.Broker == "" {
		return nil, errors.Wrap(ErrInvalidMQTT, "broker is required")
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = DefaultTopicPrefix
	}
	m.TopicPrefix = strings.TrimSuffix(m.TopicPrefix, "/")
	return &m, nil
}
