package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hypebeast/go-osc/osc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/r0bb10/buttonosc/internal/config"
)

type sent struct {
	payload []byte
	to      netip.AddrPort
}

type recordingTransport struct {
	sends []sent
	err   error
}

func (t *recordingTransport) Send(payload []byte, to netip.AddrPort) error {
	t.sends = append(t.sends, sent{payload: payload, to: to})
	return t.err
}

type mockResolver struct{ mock.Mock }

func (m *mockResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	args := m.Called(network, host)
	addrs, _ := args.Get(0).([]netip.Addr)
	return addrs, args.Error(1)
}

func testConfig(t *testing.T, server string, port int) *config.Config {
	t.Helper()
	doc := fmt.Sprintf(`{
	  "misc": { "heartbeat_pin": 13 },
	  "network": {},
	  "buttons": [
	    { "id": 1, "button_type": "wired", "button_pin": 2, "led_pin": 3, "osc_string": "/trigger/1", "target": 0 },
	    { "id": 2, "button_type": "wired", "button_pin": 4, "led_pin": 5, "osc_string": "/trigger/2", "target": 0 }
	  ],
	  "targets": [ { "id": 0, "server": %q, "port": %d } ]
	}`, server, port)
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func decode(t *testing.T, payload []byte) *osc.Message {
	t.Helper()
	packet, err := osc.ParsePacket(string(payload))
	require.NoError(t, err)
	msg, ok := packet.(*osc.Message)
	require.True(t, ok, "expected an OSC message, got %T", packet)
	return msg
}

func TestDispatchToTarget(t *testing.T) {
	cfg := testConfig(t, "10.0.0.5", 9000)
	tr := &recordingTransport{}
	r := NewRouter(cfg, tr, nil)

	c, err := r.Context(context.Background(), cfg.Buttons()[0])
	require.NoError(t, err)
	require.NoError(t, c.Dispatch())

	require.Len(t, tr.sends, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.5:9000"), tr.sends[0].to)

	msg := decode(t, tr.sends[0].payload)
	assert.Equal(t, "/trigger/1", msg.Address)
	assert.Empty(t, msg.Arguments)

	// Address padded to a multiple of four, then the empty type tag string.
	assert.Equal(t, []byte("/trigger/1\x00\x00,\x00\x00\x00"), tr.sends[0].payload)
}

func TestContextIsReused(t *testing.T) {
	cfg := testConfig(t, "10.0.0.5", 9000)
	tr := &recordingTransport{}
	c, err := NewRouter(cfg, tr, nil).Context(context.Background(), cfg.Buttons()[1])
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Dispatch())
	}
	require.Len(t, tr.sends, 3)
	assert.Equal(t, tr.sends[0], tr.sends[2])
	assert.Equal(t, "/trigger/2", c.Address())
	assert.Equal(t, 2, c.ButtonID())
	assert.Equal(t, 0, c.Target().ID)
}

func TestHostResolvedOncePerTarget(t *testing.T) {
	cfg := testConfig(t, "mixer.local", 53000)
	res := &mockResolver{}
	res.On("LookupNetIP", "ip4", "mixer.local").
		Return([]netip.Addr{netip.MustParseAddr("192.168.1.20")}, nil).Once()

	r := NewRouter(cfg, &recordingTransport{}, res)
	for _, b := range cfg.Buttons() {
		c, err := r.Context(context.Background(), b)
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddrPort("192.168.1.20:53000"), c.Destination())
	}
	res.AssertExpectations(t)
}

func TestUnresolvableHost(t *testing.T) {
	cfg := testConfig(t, "nowhere.invalid", 9000)
	res := &mockResolver{}
	res.On("LookupNetIP", "ip4", "nowhere.invalid").Return(nil, errors.New("no such host"))

	_, err := NewRouter(cfg, &recordingTransport{}, res).Context(context.Background(), cfg.Buttons()[0])
	assert.True(t, errors.Is(err, ErrUnresolvable), "got %v", err)
}

func TestHandlerSwallowsSendErrors(t *testing.T) {
	cfg := testConfig(t, "10.0.0.5", 9000)
	tr := &recordingTransport{err: errors.New("network unreachable")}
	c, err := NewRouter(cfg, tr, nil).Context(context.Background(), cfg.Buttons()[0])
	require.NoError(t, err)

	h := Handler(c, nil)
	assert.NotPanics(t, func() { h(time.Now()) })
	assert.Len(t, tr.sends, 1)
}

func TestUDPTransportLoopback(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()
	port := server.LocalAddr().(*net.UDPAddr).Port

	tr, err := ListenUDP(0, "", "wired")
	require.NoError(t, err)
	defer tr.Close()
	assert.NotZero(t, tr.LocalPort())
	assert.Equal(t, "wired", tr.Medium())

	cfg := testConfig(t, "127.0.0.1", port)
	c, err := NewRouter(cfg, tr, nil).Context(context.Background(), cfg.Buttons()[0])
	require.NoError(t, err)
	Handler(c, nil)(time.Now())

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, from, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, tr.LocalPort(), from.Port, "sent from the shared local port")

	msg := decode(t, buf[:n])
	assert.Equal(t, "/trigger/1", msg.Address)
	assert.Empty(t, msg.Arguments)
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type fakeMQTT struct {
	connected    bool
	published    map[string][]byte
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	switch p := payload.(type) {
	case []byte:
		f.published[topic] = p
	case string:
		f.published[topic] = []byte(p)
	}
	return doneToken{}
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

func TestMirrorClick(t *testing.T) {
	cfg := testConfig(t, "10.0.0.5", 9000)
	c, err := NewRouter(cfg, &recordingTransport{}, nil).Context(context.Background(), cfg.Buttons()[0])
	require.NoError(t, err)

	client := &fakeMQTT{connected: true, published: map[string][]byte{}}
	m := newMirror(client, "stage")
	now := time.Date(2026, 10, 15, 20, 0, 0, 0, time.UTC)
	Handler(c, m)(now)

	raw, ok := client.published["stage/button/1/click"]
	require.True(t, ok)
	var ev ClickEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, ClickEvent{
		ButtonID:  1,
		Address:   "/trigger/1",
		Target:    "10.0.0.5:9000",
		Timestamp: "2026-10-15T20:00:00Z",
	}, ev)

	m.Close()
	assert.Equal(t, []byte("offline"), client.published["stage/status"])
	assert.True(t, client.disconnected)
}

func TestMirrorDropsWhileOffline(t *testing.T) {
	cfg := testConfig(t, "10.0.0.5", 9000)
	c, err := NewRouter(cfg, &recordingTransport{}, nil).Context(context.Background(), cfg.Buttons()[0])
	require.NoError(t, err)

	client := &fakeMQTT{published: map[string][]byte{}}
	newMirror(client, "stage").Click(c, time.Now())
	assert.Empty(t, client.published)
}

type pendingToken struct{ doneToken }

func (pendingToken) WaitTimeout(time.Duration) bool { return false }

type failedToken struct{ doneToken }

func (failedToken) Error() error { return errors.New("not authorized") }

type fakeConnector struct {
	token        mqtt.Token
	disconnected bool
}

func (f *fakeConnector) Connect() mqtt.Token { return f.token }

func (f *fakeConnector) Disconnect(uint) { f.disconnected = true }

func TestConnectTimeoutAbandonsAttempt(t *testing.T) {
	c := &fakeConnector{token: pendingToken{}}
	err := connect(c, time.Millisecond)
	assert.True(t, errors.Is(err, ErrMQTTConnectTimeout), "got %v", err)
	assert.True(t, c.disconnected)
}

func TestConnectResult(t *testing.T) {
	c := &fakeConnector{token: doneToken{}}
	assert.NoError(t, connect(c, time.Second))
	assert.False(t, c.disconnected)

	c = &fakeConnector{token: failedToken{}}
	assert.ErrorContains(t, connect(c, time.Second), "not authorized")
}

func TestClientIDIsPerPanel(t *testing.T) {
	assert.Equal(t, "buttonosc-stage-left", clientIDFor("stage-left"))
	assert.NotEqual(t, clientIDFor("stage-left"), clientIDFor("stage-right"))
	assert.True(t, strings.HasPrefix(clientID(), "buttonosc-"))
}
