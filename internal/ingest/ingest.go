package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
)

const defaultOpTimeout = 5 * time.Second

// Store receives decoded state changes.
type Store interface {
	ApplyStatus(ctx context.Context, gateway string, state codec.State) error
	ApplyConfig(ctx context.Context, gateway, device string, cfg json.RawMessage) error
	ApplyLiveValue(ctx context.Context, device, input string, v codec.LiveValue) error
}

// Recorder stores telemetry. Writes must not block.
type Recorder interface {
	WriteLiveValue(device, input string, value any, quality int, ts time.Time)
	WriteGatewayStatus(gateway string, online bool, ts time.Time)
	WriteEvent(gateway, body string, ts time.Time)
}

// Broker is the subscribing side of the central broker connection.
type Broker interface {
	SubscribeMultiple(topics []string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Dispatcher pushes events to the socket clients watching their device.
type Dispatcher interface {
	Relay(events ...codec.Event)
}

// Logger is the logging dependency of Ingester.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Ingester writes every message seen on the central broker into the
// device state store and, when configured, the telemetry recorder.
type Ingester struct {
	store     Store
	recorder  Recorder
	relay     Dispatcher
	decoder   *codec.Decoder
	logger    Logger
	opTimeout time.Duration
	now       func() time.Time

	// lastStatus suppresses repeated status points for the same state.
	lastStatus sync.Map
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithRecorder records telemetry to r.
func WithRecorder(r Recorder) Option {
	return func(i *Ingester) { i.recorder = r }
}

// WithDispatcher hands events a gateway reports for its child devices to d.
// Socket clients only subscribe to a device's own topics, so these events
// reach them only through the ingest subscription.
func WithDispatcher(d Dispatcher) Option {
	return func(i *Ingester) { i.relay = d }
}

// WithOpTimeout bounds the store writes of one message.
func WithOpTimeout(d time.Duration) Option {
	return func(i *Ingester) {
		if d > 0 {
			i.opTimeout = d
		}
	}
}

// WithClock overrides the time source used for status and event points.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) { i.now = now }
}

// New creates an Ingester.
func New(store Store, logger Logger, opts ...Option) *Ingester {
	i := &Ingester{
		store:     store,
		decoder:   codec.NewDecoder(logger),
		logger:    logger,
		opTimeout: defaultOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run subscribes to every gateway topic and ingests until ctx is
// cancelled. The broker restores the subscription after reconnects.
func (i *Ingester) Run(ctx context.Context, broker Broker, qos byte) error {
	topics := codec.WildcardTopics()
	if err := broker.SubscribeMultiple(topics, qos, i.HandleMessage); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		return fmt.Errorf("subscribing ingest topics: %w", err)
	}
	i.logger.Info("ingest started", "topics", len(topics))

	<-ctx.Done()

	if err := broker.Unsubscribe(topics...); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		i.logger.Warn("unsubscribing ingest topics", "error", err)
	}
	return nil
}

// HandleMessage applies one broker message.
func (i *Ingester) HandleMessage(msg mqtt.Message) error {
	events := i.decoder.Decode(msg.Topic, msg.Payload, msg.Retained)
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.opTimeout)
	defer cancel()

	a := &applier{ctx: ctx, in: i}
	var failures []error
	for _, ev := range events {
		if err := ev.Accept(a); err != nil {
			failures = append(failures, fmt.Errorf("device %s: %w", ev.Device(), err))
		}
	}
	i.relayForeign(msg.Topic, events)

	if err := errors.Join(failures...); err != nil {
		i.logger.Warn("ingest failed", "topic", msg.Topic, "error", err)
		return err
	}
	return nil
}

// relayForeign forwards the events that belong to a device other than the
// one named by topic.
func (i *Ingester) relayForeign(topic string, events []codec.Event) {
	if i.relay == nil {
		return
	}
	id, _, ok := codec.SplitTopic(topic)
	if !ok {
		return
	}
	var foreign []codec.Event
	for _, ev := range events {
		if ev.Device() != id {
			foreign = append(foreign, ev)
		}
	}
	if len(foreign) > 0 {
		i.relay.Relay(foreign...)
	}
}

// applier applies the events of one message.
type applier struct {
	ctx context.Context
	in  *Ingester
}

func (a *applier) HandleData(e codec.DataEvent) error {
	if err := a.in.store.ApplyLiveValue(a.ctx, e.DeviceID, e.Input, e.Value); err != nil {
		return err
	}
	if a.in.recorder != nil {
		a.in.recorder.WriteLiveValue(e.DeviceID, e.Input, decodeValue(e.Value.Value), e.Value.Quality, timestamp(e.Value.Timestamp, a.in.now))
	}
	return nil
}

func (a *applier) HandleConfig(e codec.ConfigEvent) error {
	if e.Action == codec.ActionDel {
		a.in.logger.Info("ignoring device delete", "gateway", e.Gateway, "device", e.DeviceID)
		return nil
	}
	return a.in.store.ApplyConfig(a.ctx, e.Gateway, e.DeviceID, e.Config)
}

func (a *applier) HandleStatus(e codec.StatusEvent) error {
	if err := a.in.store.ApplyStatus(a.ctx, e.Gateway, e.State); err != nil {
		return err
	}
	prev, loaded := a.in.lastStatus.Swap(e.Gateway, e.State)
	if loaded && prev == e.State {
		return nil
	}
	a.in.logger.Debug("gateway status changed", "gateway", e.Gateway, "status", e.State)
	if a.in.recorder != nil {
		a.in.recorder.WriteGatewayStatus(e.Gateway, e.State == codec.StateOnline, a.in.now())
	}
	return nil
}

func (a *applier) HandleGatewayEvent(e codec.GatewayEvent) error {
	if a.in.recorder != nil {
		a.in.recorder.WriteEvent(e.Gateway, e.Body, a.in.now())
	}
	return nil
}

// decodeValue turns a raw reading into a number, bool or string.
func decodeValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch v.(type) {
	case float64, bool, string:
		return v
	default:
		return string(raw)
	}
}

// timestamp converts fractional epoch seconds, using now for zero.
func timestamp(sec float64, now func() time.Time) time.Time {
	if sec <= 0 {
		return now()
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
