// Package protocol defines the JSON envelopes exchanged with socket clients.
package protocol
