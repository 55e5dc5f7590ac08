package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/directory"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/logging"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

type fakeConn struct {
	cfg config.MQTTConfig

	mu            sync.Mutex
	connected     bool
	closed        bool
	handlers      map[string]mqtt.MessageHandler
	subCalls      int
	unsubCalls    int
	failSubscribe map[string]bool
	published     []published
}

func newFakeConn(cfg config.MQTTConfig) *fakeConn {
	return &fakeConn{cfg: cfg, connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeConn) SubscribeMultiple(topics []string, _ byte, h mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subCalls++
	for _, t := range topics {
		if c.failSubscribe[t] {
			return mqtt.ErrSubscribeFailed
		}
	}
	for _, t := range topics {
		c.handlers[t] = h
	}
	return nil
}

func (c *fakeConn) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubCalls++
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return nil
}

func (c *fakeConn) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, string(payload), qos, retained})
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

func (c *fakeConn) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", topic)
	require.NoError(t, h(mqtt.Message{Topic: topic, Payload: []byte(payload)}))
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subCalls, c.unsubCalls
}

func (c *fakeConn) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeDirectory struct {
	mu      sync.Mutex
	apps    []directory.App
	appsErr error
	devices map[string][]string
	listErr error
}

func (d *fakeDirectory) ListApps(context.Context, string) ([]directory.App, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]directory.App(nil), d.apps...), d.appsErr
}

func (d *fakeDirectory) ListDevices(_ context.Context, auth string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	return append([]string(nil), d.devices[auth]...), nil
}

func (d *fakeDirectory) setDevices(auth string, devices ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[auth] = devices
}

func newBridgeForTest(t *testing.T, dir *fakeDirectory) (*Bridge, *fakeConn, *fakeConn) {
	t.Helper()
	private := newFakeConn(config.MQTTConfig{})
	central := newFakeConn(config.MQTTConfig{})
	tenant := Tenant{Name: "acme", AuthCode: "acme-auth"}
	return newBridge(tenant, private, central, dir, time.Hour, logging.NewNop()), private, central
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"D2", "D1"}}}
	b, private, _ := newBridgeForTest(t, dir)
	ctx := context.Background()

	added, removed, err := b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D2"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"D1", "D2"}, b.Devices())

	dir.setDevices("acme-auth", "D2", "D3")
	added, removed, err = b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D3"}, added)
	assert.Equal(t, []string{"D1"}, removed)

	for _, topic := range codec.DeviceTopics("D1") {
		_, ok := private.handlers[topic]
		assert.False(t, ok, topic)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"D1", "D2"}}}
	b, private, _ := newBridgeForTest(t, dir)
	ctx := context.Background()

	_, _, err := b.Reconcile(ctx)
	require.NoError(t, err)
	subs, unsubs := private.calls()

	added, removed, err := b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	subs2, unsubs2 := private.calls()
	assert.Equal(t, subs, subs2)
	assert.Equal(t, unsubs, unsubs2)
}

func TestReconcileRosterFailureKeepsState(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"D1"}}}
	b, private, _ := newBridgeForTest(t, dir)
	ctx := context.Background()

	_, _, err := b.Reconcile(ctx)
	require.NoError(t, err)

	dir.listErr = errors.New("directory down")
	_, _, err = b.Reconcile(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"D1"}, b.Devices())
	_, unsubs := private.calls()
	assert.Zero(t, unsubs)
}

func TestReconcileSkipsWhileDisconnected(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"D1"}}}
	b, private, _ := newBridgeForTest(t, dir)
	private.connected = false

	_, _, err := b.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Empty(t, b.Devices())
}

func TestReconcileRetriesFailedSubscribe(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"D1", "D2"}}}
	b, private, _ := newBridgeForTest(t, dir)
	private.failSubscribe = map[string]bool{"D2/data": true}
	ctx := context.Background()

	added, _, err := b.Reconcile(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"D1"}, added)

	private.mu.Lock()
	private.failSubscribe = nil
	private.mu.Unlock()

	added, _, err = b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D2"}, added)
}

func TestRepublish(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"GW"}}}
	b, private, central := newBridgeForTest(t, dir)
	_, _, err := b.Reconcile(context.Background())
	require.NoError(t, err)

	private.deliver(t, "GW/data", `["D7/temp", 21.5, 1700000000, 1]`)
	private.deliver(t, "GW/device", `{"action":"add","sn":"D7","props":{"inputs":[]}}`)
	private.deliver(t, "GW/device", `{"action":"del","sn":"D7"}`)
	private.deliver(t, "GW/status", `OFFLINE`)
	private.deliver(t, "GW/event", `"reboot"`)

	got := central.sent()
	require.Len(t, got, 4)

	assert.Equal(t, "D7/data", got[0].topic)
	assert.Equal(t, byte(0), got[0].qos)
	assert.False(t, got[0].retained)
	assert.JSONEq(t, `{"input":"temp","data":[21.5,1700000000,1]}`, got[0].payload)

	assert.Equal(t, "D7/device", got[1].topic)
	assert.True(t, got[1].retained)
	assert.Equal(t, byte(1), got[1].qos)
	var cfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(got[1].payload), &cfg))
	assert.JSONEq(t, `"GW"`, string(cfg["gate"]))
	assert.JSONEq(t, `"D7"`, string(cfg["device"]))

	assert.Equal(t, "GW/status", got[2].topic)
	assert.True(t, got[2].retained)
	assert.JSONEq(t, `{"gate":"GW","status":"OFFLINE"}`, got[2].payload)

	assert.Equal(t, "GW/event", got[3].topic)
	assert.False(t, got[3].retained)
	assert.Equal(t, byte(1), got[3].qos)
}

func TestRetainedDataNotRepublished(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{"acme-auth": {"GW"}}}
	b, private, central := newBridgeForTest(t, dir)
	_, _, err := b.Reconcile(context.Background())
	require.NoError(t, err)

	h := private.handlers["GW/data"]
	require.NoError(t, h(mqtt.Message{Topic: "GW/data", Payload: []byte(`["D7/temp",1,2,0]`), Retained: true}))
	assert.Empty(t, central.sent())
}

func TestTenantPrivateConfig(t *testing.T) {
	base := config.MQTTConfig{QoS: 1}

	tests := []struct {
		name     string
		host     string
		wantHost string
		wantPort int
		wantID   string
		wantTLS  bool
		wantErr  bool
	}{
		{name: "full", host: "mqtt://bridge-1@10.0.0.5:1884", wantHost: "10.0.0.5", wantPort: 1884, wantID: "bridge-1"},
		{name: "default port", host: "mqtt://broker.acme.io", wantHost: "broker.acme.io", wantPort: 1883, wantID: "default-id"},
		{name: "no scheme", host: "broker.acme.io:2883", wantHost: "broker.acme.io", wantPort: 2883, wantID: "default-id"},
		{name: "tls", host: "mqtts://b@secure.acme.io:8883", wantHost: "secure.acme.io", wantPort: 8883, wantID: "b", wantTLS: true},
		{name: "bad port", host: "mqtt://h:99999", wantErr: true},
		{name: "empty", host: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant := Tenant{Name: "acme", Host: tt.host, User: "u", Password: "p"}
			cfg, err := tenant.PrivateConfig(base, "default-id")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, cfg.Broker.Host)
			assert.Equal(t, tt.wantPort, cfg.Broker.Port)
			assert.Equal(t, tt.wantID, cfg.Broker.ClientID)
			assert.Equal(t, tt.wantTLS, cfg.Broker.TLS)
			assert.Equal(t, "u", cfg.Auth.Username)
			assert.Equal(t, 1, cfg.QoS)
		})
	}

	central := Tenant{Name: "acme"}.CentralConfig(base, "iotcore.bridge")
	assert.Equal(t, "iotcore.bridge.acme", central.Broker.ClientID)
}

// fakeDialer hands out fakeConns and records them by client id.
type fakeDialer struct {
	mu     sync.Mutex
	conns  map[string]*fakeConn
	reject map[string]bool
	dials  int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn), reject: make(map[string]bool)}
}

func (d *fakeDialer) Dial(cfg config.MQTTConfig) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.reject[cfg.Broker.Host] {
		return nil, fmt.Errorf("%w: %w", mqtt.ErrConnectionFailed, mqtt.ErrNotAuthorized)
	}
	c := newFakeConn(cfg)
	d.conns[cfg.Broker.Host+"/"+cfg.Broker.ClientID] = c
	return c, nil
}

func (d *fakeDialer) conn(key string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[key]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func app(name, host, modified string) directory.App {
	return directory.App{Name: name, DeviceData: 1, MQTTHost: host, Modified: modified, AuthCode: name + "-auth"}
}

func newManagerForTest(dir *fakeDirectory, dialer *fakeDialer) *Manager {
	opts := ManagerOptions{
		Bridge: Options{
			Central:           config.MQTTConfig{Broker: config.MQTTBrokerConfig{Host: "central", Port: 1883}},
			ClientIDPrefix:    "iotcore",
			ReconcileInterval: time.Hour,
		},
		ServiceAuth: "svc",
	}
	return NewManager(dir, dialer, opts, logging.NewNop())
}

func TestManagerSync(t *testing.T) {
	dir := &fakeDirectory{
		apps: []directory.App{
			app("acme", "mqtt://p@acme-broker:1883", "v1"),
			app("globex", "mqtt://p@globex-broker", "v1"),
			{Name: "disabled", DeviceData: 0, MQTTHost: "mqtt://x"},
		},
		devices: map[string][]string{"acme-auth": {"D1"}},
	}
	dialer := newFakeDialer()
	m := newManagerForTest(dir, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer m.StopAll()

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, []string{"acme", "globex"}, m.Tenants())
	assert.NotNil(t, dialer.conn("central/iotcore.acme"))

	acme, ok := m.Bridge("acme")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(acme.Devices()) == 1 }, time.Second, 5*time.Millisecond)

	// Unchanged list: nothing restarts.
	dials := dialer.dialCount()
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, dials, dialer.dialCount())

	// globex removed, acme modified.
	oldPrivate := dialer.conn("acme-broker/p")
	dir.mu.Lock()
	dir.apps = []directory.App{app("acme", "mqtt://p@acme-broker:1883", "v2")}
	dir.mu.Unlock()

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, []string{"acme"}, m.Tenants())
	assert.True(t, oldPrivate.isClosed())
	assert.True(t, dialer.conn("globex-broker/p").isClosed())

	restarted, ok := m.Bridge("acme")
	require.True(t, ok)
	assert.Equal(t, "v2", restarted.Tenant().Modified)
}

func TestManagerListFailureKeepsBridges(t *testing.T) {
	dir := &fakeDirectory{
		apps:    []directory.App{app("acme", "mqtt://p@acme-broker", "v1")},
		devices: map[string][]string{},
	}
	m := newManagerForTest(dir, newFakeDialer())
	defer m.StopAll()

	require.NoError(t, m.Sync(context.Background()))
	dir.appsErr = errors.New("directory down")
	require.Error(t, m.Sync(context.Background()))
	assert.Equal(t, []string{"acme"}, m.Tenants())
}

func TestManagerParksRejectedTenant(t *testing.T) {
	dir := &fakeDirectory{
		apps:    []directory.App{app("acme", "mqtt://p@acme-broker", "v1")},
		devices: map[string][]string{},
	}
	dialer := newFakeDialer()
	dialer.reject["acme-broker"] = true
	m := newManagerForTest(dir, dialer)
	defer m.StopAll()
	ctx := context.Background()

	err := m.Sync(ctx)
	require.ErrorIs(t, err, mqtt.ErrNotAuthorized)
	assert.True(t, m.Rejected("acme"))
	assert.Empty(t, m.Tenants())

	// Same stamp: not retried.
	dials := dialer.dialCount()
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, dials, dialer.dialCount())

	// New stamp with fixed credentials: started.
	dialer.mu.Lock()
	dialer.reject["acme-broker"] = false
	dialer.mu.Unlock()
	dir.mu.Lock()
	dir.apps = []directory.App{app("acme", "mqtt://p@acme-broker", "v2")}
	dir.mu.Unlock()

	require.NoError(t, m.Sync(ctx))
	assert.False(t, m.Rejected("acme"))
	assert.Equal(t, []string{"acme"}, m.Tenants())
}

func TestBridgeStopIsSynchronous(t *testing.T) {
	dir := &fakeDirectory{devices: map[string][]string{}}
	dialer := newFakeDialer()
	tenant := Tenant{Name: "acme", Host: "mqtt://p@acme-broker", AuthCode: "acme-auth"}

	b, err := Start(context.Background(), tenant, dialer, dir, Options{ClientIDPrefix: "x", ReconcileInterval: time.Millisecond}, logging.NewNop())
	require.NoError(t, err)

	b.Stop()
	select {
	case <-b.done:
	default:
		t.Fatal("reconcile loop still running after Stop")
	}
	assert.True(t, dialer.conn("acme-broker/p").isClosed())
}
