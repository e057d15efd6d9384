package jms

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
)

// MessageKind identifies the body flavour of a message, mirroring the
// JMS message interfaces. The kind travels on the wire as the ubyte
// message annotation "x-opt-jms-msg-type".
type MessageKind uint8

const (
	KindMessage MessageKind = 0 // no body
	KindObject  MessageKind = 1
	KindMap     MessageKind = 2
	KindBytes   MessageKind = 3
	KindStream  MessageKind = 4
	KindText    MessageKind = 5
)

func (k MessageKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindObject:
		return "object"
	case KindMap:
		return "map"
	case KindBytes:
		return "bytes"
	case KindStream:
		return "stream"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

const (
	// annotationMsgType keys the body flavour in message annotations.
	annotationMsgType = "x-opt-jms-msg-type"

	// contentTypeOpaqueObject marks a data section holding a gob-encoded
	// object body. Peers match the symbol exactly.
	contentTypeOpaqueObject = "application/x-golang-serialized-object"

	contentTypeOctetStream = "application/octet-stream"
	contentTypeText        = "text/plain"
)

func newKindMessage(kind MessageKind) *Message {
	return &Message{
		Header:      &MessageHeader{Durable: true},
		Annotations: map[interface{}]interface{}{symbol(annotationMsgType): uint8(kind)},
	}
}

// NewMessage returns a bodiless message with a durable header and the
// flavour annotation applied.
func NewMessage() *Message {
	return newKindMessage(KindMessage)
}

// NewTextMessage returns a message carrying text in an amqp-value
// section.
func NewTextMessage(text string) *Message {
	m := newKindMessage(KindText)
	m.Value = text
	return m
}

// NewBytesMessage returns a message carrying raw bytes in a data
// section.
func NewBytesMessage(body []byte) *Message {
	m := newKindMessage(KindBytes)
	m.Data = body
	m.Properties = &MessageProperties{ContentType: contentTypeOctetStream}
	return m
}

// NewMapMessage returns a message carrying a string-keyed map in an
// amqp-value section.
func NewMapMessage(body map[string]interface{}) *Message {
	m := newKindMessage(KindMap)
	m.Value = body
	return m
}

// NewStreamMessage returns a message carrying an ordered list of values
// in an amqp-value section.
func NewStreamMessage(values ...interface{}) *Message {
	m := newKindMessage(KindStream)
	m.Value = []interface{}(values)
	return m
}

// NewObjectMessage returns a message whose body is the gob encoding of
// v, carried in a data section with the opaque object content-type.
// The receiving end recovers it with Message.Object.
func NewObjectMessage(v interface{}) (*Message, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(v)
	if err != nil {
		return nil, appErrorf("encode object body: %v", err)
	}
	m := newKindMessage(KindObject)
	m.Data = buf.Bytes()
	m.Properties = &MessageProperties{ContentType: contentTypeOpaqueObject}
	return m, nil
}

// NewTypedObjectMessage returns an object message whose body is carried
// as a native AMQP value rather than an opaque blob. No content-type is
// set; the flavour annotation alone marks it as an object message.
func NewTypedObjectMessage(v interface{}) *Message {
	m := newKindMessage(KindObject)
	m.Value = v
	return m
}

// Kind reports the body flavour of the message. The flavour annotation
// takes precedence, then the content-type, then the shape of the body
// section.
func (m *Message) Kind() MessageKind {
	if v, ok := annotationValue(m.Annotations, annotationMsgType); ok {
		switch n := v.(type) {
		case uint8:
			return MessageKind(n)
		case uint64:
			return MessageKind(n)
		case int64:
			return MessageKind(n)
		case int:
			return MessageKind(n)
		}
	}

	if m.Properties != nil {
		switch m.Properties.ContentType {
		case contentTypeOpaqueObject:
			return KindObject
		case contentTypeOctetStream:
			return KindBytes
		case contentTypeText:
			return KindText
		}
	}

	switch {
	case m.Data != nil:
		return KindBytes
	case m.Sequence != nil:
		return KindStream
	case m.Value != nil:
		switch m.Value.(type) {
		case string:
			return KindText
		case map[string]interface{}, map[interface{}]interface{}:
			return KindMap
		case []interface{}:
			return KindStream
		}
		return KindObject
	}
	return KindMessage
}

// Text returns the body of a text message.
func (m *Message) Text() (string, error) {
	if k := m.Kind(); k != KindText {
		return "", appErrorf("message body is %s, not %s", k, KindText)
	}
	switch body := m.Value.(type) {
	case nil:
		return "", nil
	case string:
		return body, nil
	default:
		return "", appErrorf("text message carries %T body", m.Value)
	}
}

// BytesBody returns the raw body of a bytes message.
func (m *Message) BytesBody() ([]byte, error) {
	if k := m.Kind(); k != KindBytes {
		return nil, appErrorf("message body is %s, not %s", k, KindBytes)
	}
	if m.Data != nil {
		return m.Data, nil
	}
	if b, ok := m.Value.([]byte); ok {
		return b, nil
	}
	return nil, nil
}

// MapBody returns the body of a map message keyed by string.
func (m *Message) MapBody() (map[string]interface{}, error) {
	if k := m.Kind(); k != KindMap {
		return nil, appErrorf("message body is %s, not %s", k, KindMap)
	}
	switch body := m.Value.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return body, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(body))
		for key, v := range body {
			s, ok := key.(string)
			if !ok {
				return nil, appErrorf("map message key is %T, not string", key)
			}
			out[s] = v
		}
		return out, nil
	default:
		return nil, appErrorf("map message carries %T body", m.Value)
	}
}

// StreamBody returns the ordered values of a stream message. Messages
// from peers that use amqp-sequence sections read the same way.
func (m *Message) StreamBody() ([]interface{}, error) {
	if k := m.Kind(); k != KindStream {
		return nil, appErrorf("message body is %s, not %s", k, KindStream)
	}
	if m.Sequence != nil {
		return m.Sequence, nil
	}
	switch body := m.Value.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return body, nil
	default:
		return nil, appErrorf("stream message carries %T body", m.Value)
	}
}

// Object decodes an opaque-serialized object body into the value
// pointed to by into. Typed object bodies are native AMQP values and
// are read from Value directly.
func (m *Message) Object(into interface{}) error {
	if k := m.Kind(); k != KindObject {
		return appErrorf("message body is %s, not %s", k, KindObject)
	}
	if m.Properties == nil || m.Properties.ContentType != contentTypeOpaqueObject {
		return appErrorf("object message carries a typed body, read Value instead")
	}
	if m.Data == nil {
		return appErrorf("object message has no serialized body")
	}
	err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(into)
	if err != nil {
		return appErrorf("decode object body: %v", err)
	}
	return nil
}

// prepareSend stamps outgoing defaults on a message: a durable header
// unless one was attached, the flavour annotation, and an assigned
// message-id when the properties carry none.
func (m *Message) prepareSend() {
	if m.Header == nil {
		m.Header = &MessageHeader{Durable: true}
	}
	if _, ok := annotationValue(m.Annotations, annotationMsgType); !ok {
		if m.Annotations == nil {
			m.Annotations = map[interface{}]interface{}{}
		}
		m.Annotations[symbol(annotationMsgType)] = uint8(m.Kind())
	}
	if m.Properties == nil {
		m.Properties = &MessageProperties{}
	}
	if m.Properties.MessageID == nil {
		m.Properties.MessageID = "ID:" + uuid.New().String()
	}
}

// annotationValue looks up name in a message annotations map. Keys
// decode as plain strings but are written as symbols, so both are
// matched.
func annotationValue(annotations map[interface{}]interface{}, name string) (interface{}, bool) {
	for k, v := range annotations {
		switch key := k.(type) {
		case string:
			if key == name {
				return v, true
			}
		case symbol:
			if string(key) == name {
				return v, true
			}
		}
	}
	return nil, false
}
