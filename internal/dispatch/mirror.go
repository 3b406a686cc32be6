package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/r0bb10/buttonosc/internal/config"
	"github.com/r0bb10/buttonosc/internal/logging"
)

const (
	mqttClientPrefix   = "buttonosc"
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesce        = 250
)

var ErrMQTTConnectTimeout = errors.Errorf("MQTT connect timeout after %s", mqttConnectTimeout)

type mqttConnector interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Mirror republishes clicks to an MQTT broker so home automation can follow
// what the panel sends. Publishing never waits for the broker.
type Mirror struct {
	client mqttClient
	prefix string
	log    *logrus.Entry
}

// ClickEvent is the JSON payload of a mirrored click.
type ClickEvent struct {
	ButtonID  int    `json:"button_id"`
	Address   string `json:"address"`
	Target    string `json:"target"`
	Timestamp string `json:"timestamp"`
}

// NewMirror connects to the broker and announces availability, with a last
// will marking the panel offline.
func NewMirror(cfg config.MQTT) (*Mirror, error) {
	m := &Mirror{prefix: cfg.TopicPrefix, log: logging.For("mirror")}
	availTopic := m.AvailabilityTopic()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(clientID())
	opts.SetAutoReconnect(true)
	opts.SetWill(availTopic, "offline", 0, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.log.WithField("broker", cfg.Broker).Info("connected")
		c.Publish(availTopic, 0, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.WithError(err).Warn("connection lost")
	})

	client := mqtt.NewClient(opts)
	if err := connect(client, mqttConnectTimeout); err != nil {
		return nil, err
	}
	m.client = client
	return m, nil
}

// connect waits for the broker at most timeout. On timeout the attempt is
// abandoned so the client stops retrying in the background.
func connect(client mqttConnector, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return ErrMQTTConnectTimeout
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "MQTT connection failed")
	}
	return nil
}

// clientID is unique per panel so several panels can share a broker.
func clientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("%s-%d", mqttClientPrefix, os.Getpid())
	}
	return clientIDFor(host)
}

func clientIDFor(host string) string {
	return fmt.Sprintf("%s-%s", mqttClientPrefix, host)
}

func newMirror(client mqttClient, prefix string) *Mirror {
	return &Mirror{client: client, prefix: prefix, log: logging.For("mirror")}
}

func (m *Mirror) AvailabilityTopic() string {
	return fmt.Sprintf("%s/status", m.prefix)
}

func (m *Mirror) ClickTopic(buttonID int) string {
	return fmt.Sprintf("%s/button/%d/click", m.prefix, buttonID)
}

// Click publishes one event for c. Events are dropped while disconnected.
func (m *Mirror) Click(c *Context, now time.Time) {
	if !m.client.IsConnected() {
		m.log.WithField("button", c.ButtonID()).Debug("broker offline, click not mirrored")
		return
	}
	payload, err := json.Marshal(ClickEvent{
		ButtonID:  c.ButtonID(),
		Address:   c.Address(),
		Target:    c.Destination().String(),
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		m.log.WithError(err).Error("marshal click")
		return
	}
	m.client.Publish(m.ClickTopic(c.ButtonID()), 0, false, payload)
}

// Close marks the panel offline and disconnects.
func (m *Mirror) Close() {
	if m.client.IsConnected() {
		m.client.Publish(m.AvailabilityTopic(), 0, true, "offline").WaitTimeout(time.Second)
	}
	m.client.Disconnect(mqttQuiesce)
}
