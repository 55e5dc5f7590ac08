package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/directory"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
)

// subscribeQoS is used for the per-device topic family on private brokers.
const subscribeQoS = 1

// ErrDisconnected is returned by Reconcile while the private broker is down.
var ErrDisconnected = errors.New("bridge: private broker not connected")

// Conn is a broker connection.
type Conn interface {
	Publisher
	SubscribeMultiple(topics []string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(cfg config.MQTTConfig) (Conn, error)
}

// Directory lists tenants and their devices.
type Directory interface {
	ListApps(ctx context.Context, auth string) ([]directory.App, error)
	ListDevices(ctx context.Context, auth string) ([]string, error)
}

// Logger is the logging dependency of the bridge package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options are the settings shared by every bridge.
type Options struct {
	// Central is the central broker; the client id is derived per tenant.
	Central config.MQTTConfig
	// Private holds reconnect and QoS settings applied to private brokers.
	Private                config.MQTTConfig
	ClientIDPrefix         string
	DefaultPrivateClientID string
	ReconcileInterval      time.Duration
}

// Bridge forwards one tenant's device topics from its private broker to
// the central broker.
//
// The subscribed device set follows the tenant's roster in the directory.
// A failed roster fetch leaves the set as it is.
type Bridge struct {
	tenant   Tenant
	private  Conn
	central  Conn
	dir      Directory
	logger   Logger
	decoder  *codec.Decoder
	interval time.Duration

	mu      sync.Mutex
	devices map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Start connects both brokers and starts the reconcile loop. The first
// reconcile runs immediately. The loop ends when ctx is cancelled or Stop
// is called.
func Start(ctx context.Context, tenant Tenant, dialer Dialer, dir Directory, opts Options, logger Logger) (*Bridge, error) {
	privateCfg, err := tenant.PrivateConfig(opts.Private, opts.DefaultPrivateClientID)
	if err != nil {
		return nil, err
	}

	central, err := dialer.Dial(tenant.CentralConfig(opts.Central, opts.ClientIDPrefix))
	if err != nil {
		return nil, fmt.Errorf("tenant %s: connecting central broker: %w", tenant, err)
	}
	private, err := dialer.Dial(privateCfg)
	if err != nil {
		_ = central.Close()
		return nil, fmt.Errorf("tenant %s: connecting private broker: %w", tenant, err)
	}

	b := newBridge(tenant, private, central, dir, opts.ReconcileInterval, logger)

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.run(loopCtx)

	return b, nil
}

func newBridge(tenant Tenant, private, central Conn, dir Directory, interval time.Duration, logger Logger) *Bridge {
	if interval <= 0 {
		interval = time.Minute
	}
	logger = withTenant(logger, tenant.Name)
	return &Bridge{
		tenant:   tenant,
		private:  private,
		central:  central,
		dir:      dir,
		logger:   logger,
		decoder:  codec.NewDecoder(logger),
		interval: interval,
		devices:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if _, _, err := b.Reconcile(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrDisconnected) {
				b.logger.Debug("skipping reconcile", "error", err)
			} else {
				b.logger.Warn("reconcile failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile brings the private subscriptions in line with the tenant's
// roster and returns the sorted devices added and removed. A device whose
// subscribe fails is left out and retried next time.
func (b *Bridge) Reconcile(ctx context.Context) (added, removed []string, err error) {
	if !b.private.IsConnected() {
		return nil, nil, ErrDisconnected
	}

	roster, err := b.dir.ListDevices(ctx, b.tenant.AuthCode)
	if err != nil {
		return nil, nil, fmt.Errorf("listing devices: %w", err)
	}
	want := make(map[string]struct{}, len(roster))
	for _, d := range roster {
		want[d] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var failures []error
	for d := range want {
		if _, ok := b.devices[d]; ok {
			continue
		}
		if err := b.private.SubscribeMultiple(codec.DeviceTopics(d), subscribeQoS, b.handle); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			failures = append(failures, fmt.Errorf("subscribing %s: %w", d, err))
			continue
		}
		b.devices[d] = struct{}{}
		added = append(added, d)
	}
	for d := range b.devices {
		if _, ok := want[d]; ok {
			continue
		}
		if err := b.private.Unsubscribe(codec.DeviceTopics(d)...); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			b.logger.Warn("unsubscribe failed", "device", d, "error", err)
		}
		delete(b.devices, d)
		removed = append(removed, d)
	}

	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		b.logger.Info("roster reconciled", "added", len(added), "removed", len(removed), "devices", len(b.devices))
	}
	return added, removed, errors.Join(failures...)
}

// handle republishes one private broker message on the central broker.
func (b *Bridge) handle(msg mqtt.Message) error {
	r := republisher{central: b.central}
	var failures []error
	for _, ev := range b.decoder.Decode(msg.Topic, msg.Payload, msg.Retained) {
		if err := ev.Accept(r); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Devices returns the sorted devices currently bridged.
func (b *Bridge) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.devices))
	for d := range b.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Tenant returns the tenant this bridge serves.
func (b *Bridge) Tenant() Tenant {
	return b.tenant
}

// Stop ends the reconcile loop and closes both connections. It returns
// once the loop has exited.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	if err := b.private.Close(); err != nil {
		b.logger.Warn("closing private broker", "error", err)
	}
	if err := b.central.Close(); err != nil {
		b.logger.Warn("closing central broker", "error", err)
	}
}

// tenantLogger prefixes every entry with the tenant name.
type tenantLogger struct {
	Logger
	tenant string
}

func withTenant(l Logger, tenant string) Logger {
	return tenantLogger{Logger: l, tenant: tenant}
}

func (l tenantLogger) Debug(msg string, args ...any) {
	l.Logger.Debug(msg, append([]any{"tenant", l.tenant}, args...)...)
}

func (l tenantLogger) Info(msg string, args ...any) {
	l.Logger.Info(msg, append([]any{"tenant", l.tenant}, args...)...)
}

func (l tenantLogger) Warn(msg string, args ...any) {
	l.Logger.Warn(msg, append([]any{"tenant", l.tenant}, args...)...)
}

func (l tenantLogger) Error(msg string, args ...any) {
	l.Logger.Error(msg, append([]any{"tenant", l.tenant}, args...)...)
}
