package bridge

import (
	"fmt"

	"github.com/symgrid/iot-cloud-apps/internal/codec"
)

// Publisher is the publishing side of a broker connection.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// republisher re-encodes private broker events onto the central broker.
//
// data goes to <device>/data at QoS 0; device config and gateway status
// are retained at QoS 1; events are QoS 1 and not retained.
type republisher struct {
	central Publisher
}

func (r republisher) HandleData(e codec.DataEvent) error {
	payload, err := codec.EncodeData(e)
	if err != nil {
		return err
	}
	return r.publish(codec.KindData.Topic(e.DeviceID), payload, 0, false)
}

func (r republisher) HandleConfig(e codec.ConfigEvent) error {
	if e.Action == codec.ActionDel {
		return nil
	}
	payload, err := codec.EncodeConfig(e)
	if err != nil {
		return err
	}
	return r.publish(codec.KindDevice.Topic(e.DeviceID), payload, 1, true)
}

func (r republisher) HandleStatus(e codec.StatusEvent) error {
	payload, err := codec.EncodeStatus(e)
	if err != nil {
		return err
	}
	return r.publish(codec.KindStatus.Topic(e.Gateway), payload, 1, true)
}

func (r republisher) HandleGatewayEvent(e codec.GatewayEvent) error {
	payload, err := codec.EncodeEvent(e)
	if err != nil {
		return err
	}
	return r.publish(codec.KindEvent.Topic(e.Gateway), payload, 1, false)
}

func (r republisher) publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := r.central.Publish(topic, payload, qos, retained); err != nil {
		return fmt.Errorf("republishing %s: %w", topic, err)
	}
	return nil
}
