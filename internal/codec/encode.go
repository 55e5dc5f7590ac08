package codec

import "encoding/json"

// The Encode functions build the normalized envelopes a bridge republishes
// on the central broker. Decode accepts each of them back.

// EncodeData returns {"input", "data": [value, ts, quality]} for the
// "<device>/data" topic.
func EncodeData(e DataEvent) ([]byte, error) {
	value := e.Value.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Input string `json:"input"`
		Data  []any  `json:"data"`
	}{
		Input: e.Input,
		Data:  []any{value, e.Value.Timestamp, e.Value.Quality},
	})
}

// EncodeConfig returns {"gate", "device", "info"} for the "<device>/device"
// topic.
func EncodeConfig(e ConfigEvent) ([]byte, error) {
	info := e.Config
	if len(info) == 0 {
		info = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Gate   string          `json:"gate"`
		Device string          `json:"device"`
		Info   json.RawMessage `json:"info"`
	}{e.Gateway, e.DeviceID, info})
}

// EncodeStatus returns {"gate", "status"} for the "<gateway>/status" topic.
func EncodeStatus(e StatusEvent) ([]byte, error) {
	return json.Marshal(struct {
		Gate   string `json:"gate"`
		Status State  `json:"status"`
	}{e.Gateway, e.State})
}

// EncodeEvent returns {"gate", "event"} for the "<gateway>/event" topic.
func EncodeEvent(e GatewayEvent) ([]byte, error) {
	return json.Marshal(struct {
		Gate  string `json:"gate"`
		Event string `json:"event"`
	}{e.Gateway, e.Body})
}
