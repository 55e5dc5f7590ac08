// Package influxdb provides InfluxDB connectivity for the IoT core.
//
// It wraps the official influxdb-client-go v2 library as a telemetry
// recorder: the ingest loop writes every live value, gateway status
// transition and gateway event it decodes.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteLiveValue("D7", "temp", 21.5, 1, time.Unix(1700000000, 0))
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are reported via the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
