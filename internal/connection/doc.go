// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains one WebSocket connection to the stream server
//   - Multiplexes any number of topic subscriptions over it
//   - Resubscribes the full topic set from the registry on every open
//   - Reconnects after unexpected closes with a fixed delay
//   - Routes incoming frames to the Message Router
//
// Lifecycle states: idle → connecting → open → pending_reconnect →
// connecting ... and closed, which is terminal.
package connection
