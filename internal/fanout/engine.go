package fanout

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
	"github.com/symgrid/iot-cloud-apps/internal/protocol"
)

const shardCount = 32

// ErrNoDevice is returned for an empty device id.
var ErrNoDevice = errors.New("fanout: device id is required")

// Client is a connected socket client. Send must not block; a client that
// cannot take a message returns an error and is dropped.
type Client interface {
	ID() string
	Send(env protocol.Envelope) error
}

// Upstream opens and closes broker subscriptions for a device's topics.
type Upstream interface {
	SubscribeDevice(device string) error
	UnsubscribeDevice(device string) error
}

// Logger is the logging dependency of Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type shard struct {
	// ctl orders subscribe and unsubscribe of the shard's devices and is
	// held across the upstream call. mu guards devices and is never held
	// while waiting on the broker, so delivery only ever waits on mu.
	ctl sync.Mutex

	mu      sync.Mutex
	devices map[string]map[string]Client
}

// Engine tracks which clients watch which device and pushes decoded events
// to them.
//
// A device has an upstream subscription exactly while at least one client
// watches it. Devices are spread over shards so work on unrelated devices
// does not contend.
//
// Events reach the engine two ways. The upstream subscriptions deliver the
// device's own topics through HandleMessage. Readings and configs a gateway
// reports for its child devices arrive on the gateway's topics, which the
// ingest loop hands over through Relay. Each path only forwards its own kind
// of event, so nothing is pushed twice.
type Engine struct {
	upstream Upstream
	decoder  *codec.Decoder
	logger   Logger

	shards [shardCount]shard

	// byClient indexes devices per client for disconnect cleanup.
	byClient   map[string]map[string]struct{}
	byClientMu sync.Mutex

	nextID atomic.Uint64
}

// New creates an Engine with no upstream.
func New(logger Logger) *Engine {
	e := &Engine{
		decoder:  codec.NewDecoder(logger),
		logger:   logger,
		byClient: make(map[string]map[string]struct{}),
	}
	for i := range e.shards {
		e.shards[i].devices = make(map[string]map[string]Client)
	}
	return e
}

// SetUpstream sets the subscription backend. It must be called before the
// first Subscribe.
func (e *Engine) SetUpstream(u Upstream) {
	e.upstream = u
}

func (e *Engine) shardFor(device string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(device))
	return &e.shards[h.Sum32()%shardCount]
}

// Subscribe adds client to device's watchers. The first watcher of a device
// opens its upstream subscription; if that fails nothing is recorded.
func (e *Engine) Subscribe(client Client, device string) error {
	if device == "" {
		return ErrNoDevice
	}
	sh := e.shardFor(device)
	sh.ctl.Lock()
	defer sh.ctl.Unlock()

	sh.mu.Lock()
	_, watched := sh.devices[device]
	sh.mu.Unlock()

	if !watched && e.upstream != nil {
		if err := e.upstream.SubscribeDevice(device); err != nil {
			return fmt.Errorf("subscribing upstream to %s: %w", device, err)
		}
	}

	sh.mu.Lock()
	watchers := sh.devices[device]
	if watchers == nil {
		watchers = make(map[string]Client)
		sh.devices[device] = watchers
	}
	watchers[client.ID()] = client
	sh.mu.Unlock()

	e.byClientMu.Lock()
	devs := e.byClient[client.ID()]
	if devs == nil {
		devs = make(map[string]struct{})
		e.byClient[client.ID()] = devs
	}
	devs[device] = struct{}{}
	e.byClientMu.Unlock()

	return nil
}

// Unsubscribe removes client from device's watchers. The last watcher
// leaving closes the upstream subscription.
func (e *Engine) Unsubscribe(client Client, device string) {
	e.unsubscribe(client.ID(), device)
}

func (e *Engine) unsubscribe(clientID, device string) {
	sh := e.shardFor(device)
	sh.ctl.Lock()
	defer sh.ctl.Unlock()

	e.byClientMu.Lock()
	if devs := e.byClient[clientID]; devs != nil {
		delete(devs, device)
		if len(devs) == 0 {
			delete(e.byClient, clientID)
		}
	}
	e.byClientMu.Unlock()

	sh.mu.Lock()
	watchers, ok := sh.devices[device]
	if !ok {
		sh.mu.Unlock()
		return
	}
	if _, watching := watchers[clientID]; !watching {
		sh.mu.Unlock()
		return
	}
	delete(watchers, clientID)
	last := len(watchers) == 0
	if last {
		delete(sh.devices, device)
	}
	sh.mu.Unlock()

	if last && e.upstream != nil {
		if err := e.upstream.UnsubscribeDevice(device); err != nil {
			e.logger.Warn("upstream unsubscribe failed", "device", device, "error", err)
		}
	}
}

// UnsubscribeAll removes client from every device it watches.
func (e *Engine) UnsubscribeAll(client Client) {
	e.unsubscribeAll(client.ID())
}

func (e *Engine) unsubscribeAll(clientID string) {
	e.byClientMu.Lock()
	devs := e.byClient[clientID]
	devices := make([]string, 0, len(devs))
	for d := range devs {
		devices = append(devices, d)
	}
	e.byClientMu.Unlock()

	for _, d := range devices {
		e.unsubscribe(clientID, d)
	}
}

// Dispatch pushes each event to the clients watching its device, in order.
// Clients whose Send fails are unsubscribed from everything once the whole
// batch has been delivered.
func (e *Engine) Dispatch(events ...codec.Event) {
	e.sweep(e.deliver(events))
}

// HandleMessage is the message handler of the upstream subscriptions. It
// pushes the events a device reports about itself; events for other
// devices on the same topic come in through Relay.
func (e *Engine) HandleMessage(msg mqtt.Message) error {
	id, _, ok := codec.SplitTopic(msg.Topic)
	if !ok {
		return nil
	}
	var own []codec.Event
	for _, ev := range e.decoder.Decode(msg.Topic, msg.Payload, msg.Retained) {
		if ev.Device() == id {
			own = append(own, ev)
		}
	}
	e.deliverAsync(own)
	return nil
}

// Relay pushes events decoded from a gateway topic on behalf of the
// gateway's child devices. It is called from a broker delivery goroutine,
// so failed clients are swept in the background.
func (e *Engine) Relay(events ...codec.Event) {
	e.deliverAsync(events)
}

func (e *Engine) deliverAsync(events []codec.Event) {
	if failed := e.deliver(events); len(failed) > 0 {
		// The sweep may unsubscribe upstream and wait for the broker's ack,
		// which cannot arrive while a delivery goroutine is busy.
		go e.sweep(failed)
	}
}

// deliver sends events and returns the ids of clients whose Send failed.
func (e *Engine) deliver(events []codec.Event) []string {
	var failed []string
	dead := make(map[string]struct{})

	for _, ev := range events {
		watchers := e.watchers(ev.Device())
		if len(watchers) == 0 {
			continue
		}

		code, data := push(ev)
		env := protocol.Push(e.nextID.Add(1), code, data)

		for _, c := range watchers {
			if _, ok := dead[c.ID()]; ok {
				continue
			}
			if err := c.Send(env); err != nil {
				e.logger.Warn("dropping client after failed send",
					"client", c.ID(),
					"device", ev.Device(),
					"error", err,
				)
				dead[c.ID()] = struct{}{}
				failed = append(failed, c.ID())
			}
		}
	}
	return failed
}

func (e *Engine) sweep(clientIDs []string) {
	for _, id := range clientIDs {
		e.unsubscribeAll(id)
	}
}

// watchers snapshots the clients of device.
func (e *Engine) watchers(device string) []Client {
	sh := e.shardFor(device)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set := sh.devices[device]
	if len(set) == 0 {
		return nil
	}
	out := make([]Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Watching returns the sorted devices client watches.
func (e *Engine) Watching(clientID string) []string {
	e.byClientMu.Lock()
	defer e.byClientMu.Unlock()

	out := make([]string, 0, len(e.byClient[clientID]))
	for d := range e.byClient[clientID] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Watchers returns the number of clients watching device.
func (e *Engine) Watchers(device string) int {
	sh := e.shardFor(device)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.devices[device])
}

// Devices returns the number of devices with at least one watcher.
func (e *Engine) Devices() int {
	n := 0
	for i := range e.shards {
		e.shards[i].mu.Lock()
		n += len(e.shards[i].devices)
		e.shards[i].mu.Unlock()
	}
	return n
}
