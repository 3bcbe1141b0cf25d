// Package router implements the Message Router.
//
// Every inbound frame is decoded into a protocol.Envelope:
//   - topic_event frames go to the topic's handlers, in registration order
//   - frames for topics with no handlers are dropped and counted
//   - any other valid JSON goes to the OnMessage hook
//   - invalid JSON goes to the OnParseError hook
package router
