// Package mqtt wraps paho.mqtt.golang for the IoT core's broker connections:
// the ingest and fan-out connections to the central broker, and the two
// connections each tenant bridge holds.
//
// Sessions are clean. The client remembers every filter it was asked for and
// replays them after a reconnect, so callers may subscribe while the link is
// down and treat ErrNotConnected as "applied later". A broker that refuses
// the credentials on the first connect yields ErrNotAuthorized, which the
// bridge manager uses to park a tenant instead of retrying.
//
//	c, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	err = c.SubscribeMultiple(codec.WildcardTopics(), 1, ingester.HandleMessage)
package mqtt
