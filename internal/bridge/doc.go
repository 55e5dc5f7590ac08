// Package bridge mirrors tenant brokers onto the central broker.
//
// A Bridge owns two connections for one tenant: the tenant's private broker,
// where it subscribes to the topic family of every device in the tenant's
// roster, and the central broker, where it republishes what it receives in
// the normalized bridged form. The Manager keeps one Bridge per tenant that
// has bridging enabled in the directory.
package bridge
