package fanout

import (
	"encoding/json"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/protocol"
)

// DataPush is the payload of a "data" push.
type DataPush struct {
	Device string          `json:"device"`
	Input  string          `json:"input"`
	Value  codec.LiveValue `json:"value"`
}

// DevicePush is the payload of a "device" push.
type DevicePush struct {
	Device string          `json:"device"`
	Info   json.RawMessage `json:"info"`
}

// StatusPush is the payload of a "device_status" push.
type StatusPush struct {
	Device string      `json:"device"`
	Status codec.State `json:"status"`
}

// EventPush is the payload of a "device_event" push.
type EventPush struct {
	Device string `json:"device"`
	Event  string `json:"event"`
}

// pushBuilder maps each event type to its push code and payload.
type pushBuilder struct {
	code protocol.Code
	data any
}

func (b *pushBuilder) HandleData(e codec.DataEvent) error {
	b.code = protocol.CodeData
	b.data = DataPush{Device: e.DeviceID, Input: e.Input, Value: e.Value}
	return nil
}

func (b *pushBuilder) HandleConfig(e codec.ConfigEvent) error {
	b.code = protocol.CodeDevice
	b.data = DevicePush{Device: e.DeviceID, Info: e.Config}
	return nil
}

func (b *pushBuilder) HandleStatus(e codec.StatusEvent) error {
	b.code = protocol.CodeDeviceStatus
	b.data = StatusPush{Device: e.Gateway, Status: e.State}
	return nil
}

func (b *pushBuilder) HandleGatewayEvent(e codec.GatewayEvent) error {
	b.code = protocol.CodeDeviceEvent
	b.data = EventPush{Device: e.Gateway, Event: e.Body}
	return nil
}

func push(ev codec.Event) (protocol.Code, any) {
	var b pushBuilder
	_ = ev.Accept(&b)
	return b.code, b.data
}
