package codec

import "strings"

// Kind is the message-type suffix of a "<id>/<kind>" topic.
type Kind uint8

// Known topic kinds. The zero value is not a valid kind.
const (
	KindData Kind = iota + 1
	KindDataGz
	KindDevices
	KindDevicesGz
	KindDevice
	KindDeviceGz
	KindStatus
	KindEvent
)

var kindNames = [...]string{
	KindData:      "data",
	KindDataGz:    "data_gz",
	KindDevices:   "devices",
	KindDevicesGz: "devices_gz",
	KindDevice:    "device",
	KindDeviceGz:  "device_gz",
	KindStatus:    "status",
	KindEvent:     "event",
}

// allKinds lists every valid kind in declaration order.
var allKinds = []Kind{
	KindData, KindDataGz,
	KindDevices, KindDevicesGz,
	KindDevice, KindDeviceGz,
	KindStatus, KindEvent,
}

// Kinds returns every valid kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind maps a topic suffix to its Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range allKinds {
		if kindNames[k] == s {
			return k, true
		}
	}
	return 0, false
}

func (k Kind) String() string {
	if k == 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Compressed reports whether payloads of this kind are zlib-deflated.
func (k Kind) Compressed() bool {
	switch k {
	case KindDataGz, KindDevicesGz, KindDeviceGz:
		return true
	default:
		return false
	}
}

// Topic builds the "<id>/<kind>" topic for an id.
func (k Kind) Topic(id string) string {
	return id + "/" + k.String()
}

// SplitTopic parses "<id>/<kind>". The id is the first path segment and the
// kind is everything after it; unknown kinds are rejected.
func SplitTopic(topic string) (id string, kind Kind, ok bool) {
	id, rest, found := strings.Cut(topic, "/")
	if !found || id == "" || rest == "" {
		return "", 0, false
	}
	kind, ok = ParseKind(rest)
	if !ok {
		return "", 0, false
	}
	return id, kind, true
}

// DeviceTopics returns the full topic family of one device.
func DeviceTopics(device string) []string {
	topics := make([]string, 0, len(allKinds))
	for _, k := range allKinds {
		topics = append(topics, k.Topic(device))
	}
	return topics
}

// WildcardTopics returns single-level wildcard subscriptions covering every
// kind for every id.
func WildcardTopics() []string {
	return DeviceTopics("+")
}
