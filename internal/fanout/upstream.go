package fanout

import (
	"errors"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
)

// Broker is the part of the MQTT client the upstream needs.
type Broker interface {
	SubscribeMultiple(topics []string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// BrokerUpstream subscribes to the full topic family of each device.
//
// While the broker is unreachable the MQTT client keeps the subscription
// tracked and restores it on reconnect, so ErrNotConnected is not a failure.
type BrokerUpstream struct {
	broker  Broker
	qos     byte
	handler mqtt.MessageHandler
}

// NewBrokerUpstream creates an Upstream delivering messages to handler.
func NewBrokerUpstream(broker Broker, qos byte, handler mqtt.MessageHandler) *BrokerUpstream {
	return &BrokerUpstream{broker: broker, qos: qos, handler: handler}
}

// SubscribeDevice subscribes to every topic of device.
func (u *BrokerUpstream) SubscribeDevice(device string) error {
	err := u.broker.SubscribeMultiple(codec.DeviceTopics(device), u.qos, u.handler)
	if errors.Is(err, mqtt.ErrNotConnected) {
		return nil
	}
	return err
}

// UnsubscribeDevice drops the topics SubscribeDevice added.
func (u *BrokerUpstream) UnsubscribeDevice(device string) error {
	err := u.broker.Unsubscribe(codec.DeviceTopics(device)...)
	if errors.Is(err, mqtt.ErrNotConnected) {
		return nil
	}
	return err
}
