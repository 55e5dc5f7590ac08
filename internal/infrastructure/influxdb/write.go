package influxdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the recorder.
const (
	MeasurementLiveValue     = "live_value"
	MeasurementGatewayStatus = "gateway_status"
	MeasurementGatewayEvent  = "gateway_event"
)

// WriteLiveValue records one input reading of a device. Numbers land in the
// "value" field, booleans in "state" and anything else in "text", so one
// input keeps a single field type across writes.
func (c *Client) WriteLiveValue(device, input string, value any, quality int, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(newLiveValuePoint(device, input, value, quality, ts))
}

// WriteGatewayStatus records an ONLINE/OFFLINE transition of a gateway.
func (c *Client) WriteGatewayStatus(gateway string, online bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(newGatewayStatusPoint(gateway, online, ts))
}

// WriteEvent records an opaque gateway event body.
func (c *Client) WriteEvent(gateway, body string, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(newEventPoint(gateway, body, ts))
}

func newLiveValuePoint(device, input string, value any, quality int, ts time.Time) *write.Point {
	fields := map[string]any{
		"quality": quality,
	}
	switch v := value.(type) {
	case float64:
		fields["value"] = v
	case float32:
		fields["value"] = float64(v)
	case int:
		fields["value"] = float64(v)
	case int64:
		fields["value"] = float64(v)
	case bool:
		fields["state"] = v
	case nil:
		fields["text"] = ""
	case string:
		fields["text"] = v
	default:
		fields["text"] = toText(v)
	}

	return write.NewPoint(
		MeasurementLiveValue,
		map[string]string{
			"device": device,
			"input":  input,
		},
		fields,
		ts,
	)
}

func newGatewayStatusPoint(gateway string, online bool, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementGatewayStatus,
		map[string]string{
			"gateway": gateway,
		},
		map[string]any{
			"online": online,
		},
		ts,
	)
}

func newEventPoint(gateway, body string, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementGatewayEvent,
		map[string]string{
			"gateway": gateway,
		},
		map[string]any{
			"body": body,
		},
		ts,
	)
}

// toText renders structured values (objects, arrays) as JSON.
func toText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
