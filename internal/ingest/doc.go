// Package ingest consumes the central broker's gateway topics and keeps the
// device state store current.
//
// Every topic kind is subscribed with a single-level wildcard. Status
// messages drive cascading expiry, device messages record configs and
// gateway relationships, and data messages update live values. Retained
// data is dropped by the decoder. Device deletes are logged and otherwise
// ignored.
package ingest
