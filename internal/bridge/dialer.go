package bridge

import (
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
)

// MQTTDialer dials real brokers with the mqtt client.
type MQTTDialer struct {
	Logger mqtt.Logger
}

// Dial connects to the broker in cfg and attaches the dialer's logger.
func (d MQTTDialer) Dial(cfg config.MQTTConfig) (Conn, error) {
	c, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if d.Logger != nil {
		c.SetLogger(d.Logger)
	}
	return c, nil
}
