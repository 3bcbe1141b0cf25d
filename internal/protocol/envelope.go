package protocol

import (
	"encoding/json"
	"errors"
)

// Errors
var (
	ErrParse    = errors.New("frame is not valid json")
	ErrProtocol = errors.New("invalid outbound envelope")
)

// MessageType is the value of the "type" field on the wire.
type MessageType string

const (
	TypeTopicEvent  MessageType = "topic_event"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
)

// Envelope is one decoded frame. The set of implementations is closed:
// TopicEvent, Subscribe, Unsubscribe and AppMessage.
type Envelope interface {
	Kind() MessageType
	sealed()
}

// TopicEvent is a server push scoped to one topic.
type TopicEvent struct {
	Topic string
	Event json.RawMessage // Never nil; "null" when the server sent null
}

// Subscribe asks the server to start streaming the listed topics.
type Subscribe struct {
	Topics []string
}

// Unsubscribe asks the server to stop streaming the listed topics.
type Unsubscribe struct {
	Topics []string
}

// AppMessage is any well-formed frame that is not a recognised envelope.
// Type is empty when the frame has no string "type" field.
type AppMessage struct {
	Type string
	Raw  json.RawMessage
}

func (TopicEvent) Kind() MessageType   { return TypeTopicEvent }
func (Subscribe) Kind() MessageType    { return TypeSubscribe }
func (Unsubscribe) Kind() MessageType  { return TypeUnsubscribe }
func (m AppMessage) Kind() MessageType { return MessageType(m.Type) }

func (TopicEvent) sealed()  {}
func (Subscribe) sealed()   {}
func (Unsubscribe) sealed() {}
func (AppMessage) sealed()  {}

// Wire types for JSON encoding

// topicsWire is the wire format for subscribe and unsubscribe messages.
type topicsWire struct {
	Type   MessageType `json:"type"`
	Topics []string    `json:"topics"`
}

// topicEventWire is the wire format for topic_event messages.
type topicEventWire struct {
	Type  MessageType     `json:"type"`
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}
