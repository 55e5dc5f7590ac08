package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "iotcore-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// newDisconnectedClient returns a Client that never reached a broker.
func newDisconnectedClient() *Client {
	return &Client{subscriptions: make(map[string]subscription)}
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return m.qos }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "iotcore-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "iotcore-test")
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false so refused logins surface")
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
}

func TestBrokerURL_TLS(t *testing.T) {
	got := brokerURL(config.MQTTBrokerConfig{Host: "broker.example.com", Port: 8883, TLS: true})
	if got != "ssl://broker.example.com:8883" {
		t.Errorf("brokerURL() = %q, want %q", got, "ssl://broker.example.com:8883")
	}
}

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantAuth bool
	}{
		{name: "bad credentials", err: packets.ErrorRefusedBadUsernameOrPassword, wantAuth: true},
		{name: "not authorised", err: packets.ErrorRefusedNotAuthorised, wantAuth: true},
		{name: "wrapped not authorised", err: fmt.Errorf("connack: %w", packets.ErrorRefusedNotAuthorised), wantAuth: true},
		{name: "network error", err: errors.New("dial tcp: connection refused"), wantAuth: false},
		{name: "server unavailable", err: packets.ErrorRefusedServerUnavailable, wantAuth: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyConnectError(tt.err)
			if !errors.Is(err, ErrConnectionFailed) {
				t.Errorf("classifyConnectError() = %v, want ErrConnectionFailed", err)
			}
			if got := errors.Is(err, ErrNotAuthorized); got != tt.wantAuth {
				t.Errorf("errors.Is(ErrNotAuthorized) = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	client := newDisconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{name: "empty topic", topic: "", qos: 1, want: ErrInvalidTopic},
		{name: "invalid qos", topic: "D7/data", qos: 3, want: ErrInvalidQoS},
		{name: "oversized payload", topic: "D7/data", payload: make([]byte, maxPayloadSize+1), qos: 0, want: ErrPublishFailed},
		{name: "disconnected", topic: "D7/data", qos: 0, want: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := newDisconnectedClient()
	noop := func(Message) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("D7/data", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("D7/data", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.SubscribeMultiple(nil, 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("SubscribeMultiple(nil) error = %v, want ErrInvalidTopic", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after rejected calls", client.SubscriptionCount())
	}
}

func TestSubscribeDisconnected_TrackedForReconnect(t *testing.T) {
	client := newDisconnectedClient()
	topics := []string{"D7/data", "D7/status"}

	err := client.SubscribeMultiple(topics, 1, func(Message) error { return nil })
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SubscribeMultiple() error = %v, want ErrNotConnected", err)
	}

	for _, topic := range topics {
		if !client.HasSubscription(topic) {
			t.Errorf("HasSubscription(%s) = false, want true", topic)
		}
	}
}

func TestUnsubscribeDisconnected_Forgets(t *testing.T) {
	client := newDisconnectedClient()
	_ = client.SubscribeMultiple([]string{"D7/data", "D8/data"}, 1, func(Message) error { return nil }) //nolint:errcheck // disconnected

	err := client.Unsubscribe("D7/data")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if client.HasSubscription("D7/data") {
		t.Error("HasSubscription(D7/data) = true after Unsubscribe")
	}
	if !client.HasSubscription("D8/data") {
		t.Error("HasSubscription(D8/data) = false, want true")
	}
	if err := client.Unsubscribe(); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() with no topics error = %v, want ErrInvalidTopic", err)
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestWrapHandler_PassesRetainedFlag(t *testing.T) {
	client := newDisconnectedClient()

	var got Message
	wrapped := client.wrapHandler(func(msg Message) error {
		got = msg
		return nil
	})

	wrapped(nil, fakeMessage{topic: "G1/data", payload: []byte(`[]`), qos: 1, retained: true})

	if got.Topic != "G1/data" || !got.Retained || got.QoS != 1 || string(got.Payload) != "[]" {
		t.Errorf("handler got %+v, want topic G1/data retained qos 1", got)
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	client := newDisconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(Message) error {
		panic("boom")
	})

	wrapped(nil, fakeMessage{topic: "G1/status"})

	if len(logger.errors) != 1 {
		t.Errorf("logged %d errors, want 1", len(logger.errors))
	}
}

func TestWrapHandler_LogsHandlerError(t *testing.T) {
	client := newDisconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(Message) error {
		return errors.New("handler error")
	})

	var msg pahomqtt.Message = fakeMessage{topic: "G1/event"}
	wrapped(nil, msg)

	if len(logger.warns) != 1 {
		t.Errorf("logged %d warnings, want 1", len(logger.warns))
	}
}
