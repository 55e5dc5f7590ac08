package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// maxInflatedSize caps the decompressed size of a _gz payload.
const maxInflatedSize = 16 << 20

var (
	// ErrMalformed is returned for payloads that do not match their kind.
	ErrMalformed = errors.New("codec: malformed payload")

	// ErrInflate is returned when a _gz payload cannot be decompressed.
	ErrInflate = errors.New("codec: inflate failed")
)

// Decode turns one broker message into zero or more events.
//
// Topics that are not "<id>/<kind>" and retained data messages yield no
// events and no error. A devices message yields one event per entry and a
// data_gz message one event per reading.
func Decode(topic string, payload []byte, retained bool) ([]Event, error) {
	id, kind, ok := SplitTopic(topic)
	if !ok {
		return nil, nil
	}
	if retained && (kind == KindData || kind == KindDataGz) {
		return nil, nil
	}

	if kind.Compressed() {
		var err error
		if payload, err = inflate(payload); err != nil {
			return nil, err
		}
	}

	switch kind {
	case KindData:
		return decodeData(id, payload)
	case KindDataGz:
		return decodeDataBatch(id, payload)
	case KindDevices, KindDevicesGz:
		return decodeDevices(id, payload)
	case KindDevice, KindDeviceGz:
		return decodeDevice(id, payload)
	case KindStatus:
		return decodeStatus(id, payload)
	case KindEvent:
		return decodeEvent(id, payload)
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrMalformed, kind)
	}
}

func inflate(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInflate, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInflate, err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInflate, maxInflatedSize)
	}
	return out, nil
}

// decodeData accepts a gateway reading ["<device>/<input>", value, ts, quality]
// or a bridged {"input", "data": [value, ts, quality]} envelope published
// under the device's own topic.
func decodeData(id string, payload []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Input string            `json:"input"`
			Data  []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: data envelope: %w", ErrMalformed, err)
		}
		if env.Input == "" {
			return nil, fmt.Errorf("%w: data envelope without input", ErrMalformed)
		}
		value, err := parseTriple(env.Data)
		if err != nil {
			return nil, err
		}
		return []Event{DataEvent{Gateway: id, DeviceID: id, Input: env.Input, Value: value}}, nil
	}

	var row []json.RawMessage
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrMalformed, err)
	}
	ev, err := parseReading(id, row)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

func decodeDataBatch(id string, payload []byte) ([]Event, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("%w: data_gz: %w", ErrMalformed, err)
	}

	events := make([]Event, 0, len(rows))
	var errs []error
	for _, row := range rows {
		ev, err := parseReading(id, row)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errors.Join(errs...)
}

func parseReading(gateway string, row []json.RawMessage) (DataEvent, error) {
	if len(row) < 2 {
		return DataEvent{}, fmt.Errorf("%w: reading has %d elements", ErrMalformed, len(row))
	}
	var path string
	if err := json.Unmarshal(row[0], &path); err != nil {
		return DataEvent{}, fmt.Errorf("%w: reading path: %w", ErrMalformed, err)
	}
	device, input, ok := strings.Cut(path, "/")
	if !ok || device == "" || input == "" {
		return DataEvent{}, fmt.Errorf("%w: reading path %q", ErrMalformed, path)
	}
	value, err := parseTriple(row[1:])
	if err != nil {
		return DataEvent{}, err
	}
	return DataEvent{Gateway: gateway, DeviceID: device, Input: input, Value: value}, nil
}

// parseTriple reads [value, ts, quality]; ts and quality are optional.
func parseTriple(elems []json.RawMessage) (LiveValue, error) {
	if len(elems) == 0 {
		return LiveValue{}, fmt.Errorf("%w: reading without value", ErrMalformed)
	}
	lv := LiveValue{Value: append(json.RawMessage(nil), elems[0]...)}
	if len(elems) > 1 {
		if err := json.Unmarshal(elems[1], &lv.Timestamp); err != nil {
			return LiveValue{}, fmt.Errorf("%w: reading timestamp: %w", ErrMalformed, err)
		}
	}
	if len(elems) > 2 {
		var q float64
		if err := json.Unmarshal(elems[2], &q); err != nil {
			return LiveValue{}, fmt.Errorf("%w: reading quality: %w", ErrMalformed, err)
		}
		lv.Quality = int(q)
	}
	return lv, nil
}

func decodeDevices(gateway string, payload []byte) ([]Event, error) {
	var devs map[string]json.RawMessage
	if err := json.Unmarshal(payload, &devs); err != nil {
		return nil, fmt.Errorf("%w: devices: %w", ErrMalformed, err)
	}

	events := make([]Event, 0, len(devs))
	for sn, cfg := range devs {
		if sn == "" {
			continue
		}
		events = append(events, ConfigEvent{Gateway: gateway, DeviceID: sn, Action: ActionAdd, Config: cfg})
	}
	return events, nil
}

// decodeDevice accepts a gateway {"action", "sn", "props"} message or a
// bridged {"gate", "device", "info"} envelope.
func decodeDevice(id string, payload []byte) ([]Event, error) {
	var msg struct {
		Action ConfigAction    `json:"action"`
		SN     string          `json:"sn"`
		Props  json.RawMessage `json:"props"`
		Gate   string          `json:"gate"`
		Device string          `json:"device"`
		Info   json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: device: %w", ErrMalformed, err)
	}

	if msg.Gate != "" {
		device := msg.Device
		if device == "" {
			device = id
		}
		return []Event{ConfigEvent{Gateway: msg.Gate, DeviceID: device, Action: ActionAdd, Config: msg.Info}}, nil
	}

	switch msg.Action {
	case ActionAdd, ActionMod, ActionDel:
	default:
		return nil, fmt.Errorf("%w: device action %q", ErrMalformed, msg.Action)
	}
	if msg.SN == "" {
		return nil, fmt.Errorf("%w: device message without sn", ErrMalformed)
	}
	return []Event{ConfigEvent{Gateway: id, DeviceID: msg.SN, Action: msg.Action, Config: msg.Props}}, nil
}

// decodeStatus accepts a bare ONLINE/OFFLINE string, a JSON string or a
// bridged {"gate", "status"} envelope.
func decodeStatus(id string, payload []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(payload)
	gateway := id
	raw := string(trimmed)

	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		var env struct {
			Gate   string `json:"gate"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: status envelope: %w", ErrMalformed, err)
		}
		if env.Gate != "" {
			gateway = env.Gate
		}
		raw = env.Status
	case len(trimmed) > 0 && trimmed[0] == '"':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: status: %w", ErrMalformed, err)
		}
	}

	return []Event{StatusEvent{Gateway: gateway, State: ParseState(raw)}}, nil
}

// decodeEvent passes the body through unless it is a bridged
// {"gate", "event"} envelope.
func decodeEvent(id string, payload []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Gate  string          `json:"gate"`
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Gate != "" && env.Event != nil {
			var body string
			if err := json.Unmarshal(env.Event, &body); err != nil {
				body = string(env.Event)
			}
			return []Event{GatewayEvent{Gateway: env.Gate, Body: body}}, nil
		}
	}
	return []Event{GatewayEvent{Gateway: id, Body: string(payload)}}, nil
}

// Logger is the logging dependency of Decoder.
type Logger interface {
	Warn(msg string, args ...any)
}

// Decoder wraps Decode and logs instead of returning failures.
type Decoder struct {
	logger Logger
}

// NewDecoder creates a Decoder that reports dropped messages to logger.
func NewDecoder(logger Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode returns the events of a message. Events decoded before a failure
// in a batch are still returned.
func (d *Decoder) Decode(topic string, payload []byte, retained bool) []Event {
	events, err := Decode(topic, payload, retained)
	if err != nil {
		d.logger.Warn("dropping undecodable message",
			"topic", topic,
			"size", len(payload),
			"error", err,
		)
	}
	return events
}
