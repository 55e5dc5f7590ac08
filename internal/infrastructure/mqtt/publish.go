package mqtt

import "fmt"

// maxPayloadSize caps a single publish at 1 MiB.
const maxPayloadSize = 1 << 20

// Publish sends payload on topic and waits for the broker to take it.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validate([]string{topic}, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), operationTimeout, ErrPublishFailed)
}

func validate(topics []string, qos byte) error {
	if len(topics) == 0 {
		return ErrInvalidTopic
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidTopic
		}
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
