// Package logging is the IoT core's structured logger, a thin key/value
// layer over zap.
//
//	log := logging.New(cfg.Logging, version)
//	log.With("component", "bridge").Info("bridge started", "tenant", id)
//
// Format "text" or "console" selects the console encoder; anything else
// writes JSON. When logging.file.path is set, entries are also written
// to a lumberjack-rotated file. Every entry carries the service name and
// version.
//
// Auth codes and broker credentials are never logged.
package logging
