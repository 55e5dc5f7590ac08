// Package api provides the HTTP server of the routing core: the /health
// endpoint and the websocket endpoint speaking the client socket protocol.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Every websocket connection is a Session. A session receives a welcome
// frame, then handles its requests one at a time in arrival order: login
// stores the caller's auth code, device requests are checked against the
// directory before touching the state store or the fan-out engine, and
// actions are handed to the action coordinator which answers on the
// request id. Pushes from the fan-out engine and action results are queued
// on the session without blocking; a session whose send buffer fills is
// disconnected.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
