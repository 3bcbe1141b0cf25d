// Package protocol defines the JSON envelopes exchanged over the stream
// socket.
//
// Inbound frames decode into one of four Envelope variants:
//   - TopicEvent: {"type":"topic_event","topic":"...","event":...}
//   - Subscribe / Unsubscribe: {"type":"subscribe","topics":[...]}
//   - AppMessage: any other valid JSON value
//
// Callers switch on the concrete type; Envelope cannot be implemented
// outside this package.
package protocol
