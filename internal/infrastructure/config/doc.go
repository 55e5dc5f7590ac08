// Package config loads the IoT core's YAML configuration.
//
// Load starts from built-in defaults, overlays the file, then applies
// IOTCORE_<SECTION>_<KEY> environment variables and validates the result.
// Validate reports every problem at once, joined into a single error.
//
// Durations are plain integers in seconds unless the key says otherwise
// (sweep_interval_ms); the Get* helpers turn them into time.Duration.
//
// Broker passwords and the directory service auth code belong in the
// environment rather than the file.
package config
