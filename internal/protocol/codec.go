package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses one inbound frame. It returns an error wrapping ErrParse
// only when the frame is not valid JSON; every valid frame decodes to some
// Envelope, falling back to AppMessage when the shape is not recognised.
func Decode(data []byte) (Envelope, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrParse, len(data))
	}

	raw := json.RawMessage(bytes.TrimSpace(data))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		// Arrays, scalars and null are application messages without a type.
		return AppMessage{Raw: raw}, nil
	}

	msgType, _ := stringField(fields, "type")

	switch MessageType(msgType) {
	case TypeTopicEvent:
		topic, ok := stringField(fields, "topic")
		event, present := fields["event"]
		if ok && present {
			return TopicEvent{Topic: topic, Event: event}, nil
		}

	case TypeSubscribe:
		if topics, ok := topicsField(fields); ok {
			return Subscribe{Topics: topics}, nil
		}

	case TypeUnsubscribe:
		if topics, ok := topicsField(fields); ok {
			return Unsubscribe{Topics: topics}, nil
		}
	}

	return AppMessage{Type: msgType, Raw: raw}, nil
}

// Encode serialises an outbound envelope. Only subscription control
// messages and topic events can be encoded; failures wrap ErrProtocol.
func Encode(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case Subscribe:
		return encodeTopics(TypeSubscribe, e.Topics)
	case Unsubscribe:
		return encodeTopics(TypeUnsubscribe, e.Topics)
	case TopicEvent:
		if e.Topic == "" {
			return nil, fmt.Errorf("%w: topic_event without topic", ErrProtocol)
		}
		event := e.Event
		if len(event) == 0 {
			event = json.RawMessage("null")
		}
		data, err := json.Marshal(topicEventWire{Type: TypeTopicEvent, Topic: e.Topic, Event: event})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return data, nil
	case AppMessage:
		if !json.Valid(e.Raw) {
			return nil, fmt.Errorf("%w: application message is not valid json", ErrProtocol)
		}
		return []byte(e.Raw), nil
	default:
		return nil, fmt.Errorf("%w: unknown envelope %T", ErrProtocol, env)
	}
}

func encodeTopics(t MessageType, topics []string) ([]byte, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: %s without topics", ErrProtocol, t)
	}
	for _, topic := range topics {
		if topic == "" {
			return nil, fmt.Errorf("%w: %s with empty topic", ErrProtocol, t)
		}
	}
	data, err := json.Marshal(topicsWire{Type: t, Topics: topics})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return data, nil
}

// stringField reads a JSON string field. A missing field, null, or any
// non-string value reports false.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func topicsField(fields map[string]json.RawMessage) ([]string, bool) {
	raw, ok := fields["topics"]
	if !ok || len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var topics []string
	if err := json.Unmarshal(raw, &topics); err != nil {
		return nil, false
	}
	return topics, true
}
