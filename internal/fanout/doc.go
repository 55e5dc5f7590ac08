// Package fanout delivers device events to the socket clients watching
// them.
//
// The engine keeps two indexes: device -> watching clients, sharded by
// device id, and client -> watched devices for cleanup on disconnect.
// Upstream broker subscriptions follow the first index: a device's topics
// are subscribed when its first watcher arrives and unsubscribed when the
// last one leaves.
//
// Each event becomes one push envelope shared by all its watchers. A
// watcher whose Send fails is removed after the current batch, never while
// the batch is being delivered.
package fanout
