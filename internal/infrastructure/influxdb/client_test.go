package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "iotcore-dev-token",
		Org:           "iotcore",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := Connect(testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

func lineProtocol(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Second)
}

// =============================================================================
// Point Building Tests
// =============================================================================

func TestNewLiveValuePoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name      string
		value     any
		wantField string
	}{
		{name: "number", value: 21.5, wantField: "value=21.5"},
		{name: "integer", value: 3, wantField: "value=3"},
		{name: "bool", value: true, wantField: "state=true"},
		{name: "string", value: "open", wantField: `text="open"`},
		{name: "object", value: map[string]any{"a": 1}, wantField: `text="{\"a\":1}"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := lineProtocol(newLiveValuePoint("D7", "temp", tt.value, 1, ts))

			if !strings.HasPrefix(line, "live_value,device=D7,input=temp ") {
				t.Errorf("line = %q, want live_value measurement tagged with device and input", line)
			}
			if !strings.Contains(line, tt.wantField) {
				t.Errorf("line = %q, want field %s", line, tt.wantField)
			}
			if !strings.Contains(line, "quality=1i") {
				t.Errorf("line = %q, want quality=1i", line)
			}
			if !strings.HasSuffix(strings.TrimSpace(line), " 1700000000") {
				t.Errorf("line = %q, want timestamp 1700000000", line)
			}
		})
	}
}

func TestNewGatewayStatusPoint(t *testing.T) {
	line := lineProtocol(newGatewayStatusPoint("G1", false, time.Unix(10, 0)))
	if !strings.HasPrefix(line, "gateway_status,gateway=G1 online=false") {
		t.Errorf("line = %q", line)
	}
}

func TestNewEventPoint(t *testing.T) {
	line := lineProtocol(newEventPoint("G1", "door opened", time.Unix(10, 0)))
	if !strings.HasPrefix(line, `gateway_event,gateway=G1 body="door opened"`) {
		t.Errorf("line = %q", line)
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWrites_NotConnectedAreNoOps(t *testing.T) {
	client := &Client{}

	// Must not touch the nil write API
	client.WriteLiveValue("D7", "temp", 1.0, 0, time.Now())
	client.WriteGatewayStatus("G1", true, time.Now())
	client.WriteEvent("G1", "boot", time.Now())
	client.Flush()

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestClose_NeverConnected(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// fakeInflux answers /ping and records bodies posted to /api/v2/write.
func fakeInflux(t *testing.T) (*httptest.Server, func() string) {
	t.Helper()
	var (
		mu    sync.Mutex
		lines strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			lines.Write(body)
			lines.WriteByte('\n')
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() string {
		mu.Lock()
		defer mu.Unlock()
		return lines.String()
	}
}

func TestConnect_FakeServer(t *testing.T) {
	srv, written := fakeInflux(t)
	cfg := testConfig()
	cfg.URL = srv.URL

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.WriteLiveValue("D7", "temp", 21.5, 1, time.Unix(1700000000, 0))
	client.WriteGatewayStatus("G1", true, time.Unix(1700000000, 0))
	client.Flush()

	got := written()
	if !strings.Contains(got, "live_value,device=D7,input=temp") {
		t.Errorf("written = %q, want live_value point", got)
	}
	if !strings.Contains(got, "gateway_status,gateway=G1 online=true") {
		t.Errorf("written = %q, want gateway_status point", got)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Integration Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteTelemetry(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	now := time.Now()
	client.WriteLiveValue("test-device-001", "temp", 21.5, 1, now)
	client.WriteGatewayStatus("test-gateway-001", true, now)
	client.WriteEvent("test-gateway-001", "boot", now)
	client.Flush()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("Write error = %v", writeErr)
	}
}

func TestClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteLiveValue("close-test", "metric", 1.0, 0, time.Now())

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}
