package mqtt

import "fmt"

// Subscribe registers handler for one topic filter. Wildcards are allowed:
// "+/status" matches every gateway status, "D7/#" every topic of D7.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	return c.SubscribeMultiple([]string{topic}, qos, handler)
}

// SubscribeMultiple registers handler for several filters in one SUBSCRIBE.
//
// Filters are tracked before the broker is asked, so a call made while the
// connection is down returns ErrNotConnected yet takes effect on reconnect.
// Filters the broker rejects are forgotten again.
func (c *Client) SubscribeMultiple(topics []string, qos byte, handler MessageHandler) error {
	if err := validate(topics, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}

	filters := make(map[string]byte, len(topics))
	c.subMu.Lock()
	for _, topic := range topics {
		c.subscriptions[topic] = subscription{qos: qos, handler: handler}
		filters[topic] = qos
	}
	c.subMu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := await(c.client.SubscribeMultiple(filters, c.wrapHandler(handler)), operationTimeout, ErrSubscribeFailed); err != nil {
		c.forget(topics)
		return err
	}
	return nil
}

// Unsubscribe drops topics. Tracking goes first, so a call made while
// disconnected returns ErrNotConnected and the topics stay gone.
func (c *Client) Unsubscribe(topics ...string) error {
	if err := validate(topics, 0); err != nil {
		return err
	}
	c.forget(topics)

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Unsubscribe(topics...), operationTimeout, ErrUnsubscribeFailed)
}

func (c *Client) forget(topics []string) {
	c.subMu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of tracked filters.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether exactly topic is tracked. No wildcard
// matching is done.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}
