package codec

import "encoding/json"

// State is the reachability of a gateway.
type State string

// Gateway states. Any status payload other than ONLINE maps to StateOffline.
const (
	StateOnline  State = "ONLINE"
	StateOffline State = "OFFLINE"
)

// ParseState maps a raw status string to a State.
func ParseState(s string) State {
	if s == string(StateOnline) {
		return StateOnline
	}
	return StateOffline
}

// ConfigAction is the verb of a single-device config message.
type ConfigAction string

// Config actions carried by device messages. Bulk devices messages and
// bridged device envelopes decode as ActionAdd.
const (
	ActionAdd ConfigAction = "add"
	ActionMod ConfigAction = "mod"
	ActionDel ConfigAction = "del"
)

// LiveValue is one reading of a device input.
type LiveValue struct {
	Value     json.RawMessage `json:"value"`
	Timestamp float64         `json:"ts"`
	Quality   int             `json:"quality"`
}

// Event is a decoded broker message. The set of implementations is closed;
// consumers switch over it with a Handler.
type Event interface {
	// Source is the id from the topic the event arrived on.
	Source() string
	// Device is the id subscribers of this event are keyed by.
	Device() string
	Accept(h Handler) error
}

// Handler receives each concrete Event type. Adding an Event type breaks
// every Handler at compile time.
type Handler interface {
	HandleData(e DataEvent) error
	HandleConfig(e ConfigEvent) error
	HandleStatus(e StatusEvent) error
	HandleGatewayEvent(e GatewayEvent) error
}

// DataEvent is a live input value.
type DataEvent struct {
	Gateway  string
	DeviceID string
	Input    string
	Value    LiveValue
}

// ConfigEvent announces or updates the config of a device.
type ConfigEvent struct {
	Gateway  string
	DeviceID string
	Action   ConfigAction
	Config   json.RawMessage
}

// StatusEvent is a gateway ONLINE/OFFLINE transition.
type StatusEvent struct {
	Gateway string
	State   State
}

// GatewayEvent is an opaque event body reported by a gateway.
type GatewayEvent struct {
	Gateway string
	Body    string
}

func (e DataEvent) Source() string         { return e.Gateway }
func (e DataEvent) Device() string         { return e.DeviceID }
func (e DataEvent) Accept(h Handler) error { return h.HandleData(e) }

func (e ConfigEvent) Source() string         { return e.Gateway }
func (e ConfigEvent) Device() string         { return e.DeviceID }
func (e ConfigEvent) Accept(h Handler) error { return h.HandleConfig(e) }

func (e StatusEvent) Source() string         { return e.Gateway }
func (e StatusEvent) Device() string         { return e.Gateway }
func (e StatusEvent) Accept(h Handler) error { return h.HandleStatus(e) }

func (e GatewayEvent) Source() string         { return e.Gateway }
func (e GatewayEvent) Device() string         { return e.Gateway }
func (e GatewayEvent) Accept(h Handler) error { return h.HandleGatewayEvent(e) }
