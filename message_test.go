package jms

import (
	"bytes"
	"encoding/gob"
	"strings"
	"testing"
)

func gobBytes(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(v)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return buf.Bytes()
}

// roundTripMessage encodes m and decodes the bytes back, the way a
// transfer payload travels.
func roundTripMessage(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	err := marshal(&buf, m)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	got := new(Message)
	_, err = unmarshal(&buf, got)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return got
}

func TestObjectMessageWireShape(t *testing.T) {
	content := "myObjectString"
	want := gobBytes(t, content)

	m, err := NewObjectMessage(content)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	m.prepareSend()

	got := roundTripMessage(t, m)

	if got.Header == nil || !got.Header.Durable {
		t.Errorf("expected durable header, got %+v", got.Header)
	}
	v, ok := annotationValue(got.Annotations, annotationMsgType)
	if !ok {
		t.Error("expected message type annotation")
	} else if v != uint64(KindObject) {
		t.Errorf("expected message type annotation %d, got %v", KindObject, v)
	}
	if got.Properties == nil || got.Properties.ContentType != contentTypeOpaqueObject {
		t.Errorf("expected content type %q, got %+v", contentTypeOpaqueObject, got.Properties)
	}
	if !bytes.Equal(got.Data, want) {
		t.Errorf("expected data section %x, got %x", want, got.Data)
	}
}

func TestObjectMessageReceive(t *testing.T) {
	content := "expectedContent"

	// as delivered by a peer: content-type only, no annotation
	delivered := &Message{
		Properties: &MessageProperties{ContentType: contentTypeOpaqueObject},
		Data:       gobBytes(t, content),
	}
	got := roundTripMessage(t, delivered)

	if k := got.Kind(); k != KindObject {
		t.Errorf("expected %s message, got %s", KindObject, k)
	}

	var body string
	err := got.Object(&body)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if body != content {
		t.Errorf("expected body %q, got %q", content, body)
	}
}

func TestObjectMessageResend(t *testing.T) {
	content := "expectedContent"
	original := gobBytes(t, content)

	delivered := &Message{
		Properties: &MessageProperties{ContentType: contentTypeOpaqueObject},
		Data:       gobBytes(t, content),
	}
	received := roundTripMessage(t, delivered)

	// resending the received message must not disturb the body
	received.prepareSend()
	resent := roundTripMessage(t, received)

	if !bytes.Equal(resent.Data, original) {
		t.Errorf("resent body differs:\nwant %x\n got %x", original, resent.Data)
	}
	if resent.Properties == nil || resent.Properties.ContentType != contentTypeOpaqueObject {
		t.Errorf("expected content type %q, got %+v", contentTypeOpaqueObject, resent.Properties)
	}
	if resent.Header == nil || !resent.Header.Durable {
		t.Errorf("expected durable header, got %+v", resent.Header)
	}
}

func TestTypedObjectMessageWireShape(t *testing.T) {
	m := NewTypedObjectMessage(map[string]interface{}{
		"key": "myObjectString",
	})
	m.prepareSend()

	// typed bodies are native values, no content-type marks them
	if m.Properties.ContentType != "" {
		t.Errorf("expected no content type, got %q", m.Properties.ContentType)
	}

	got := roundTripMessage(t, m)

	v, ok := annotationValue(got.Annotations, annotationMsgType)
	if !ok {
		t.Error("expected message type annotation")
	} else if v != uint64(KindObject) {
		t.Errorf("expected message type annotation %d, got %v", KindObject, v)
	}
	if got.Data != nil {
		t.Errorf("expected no data section, got %x", got.Data)
	}
	want := map[interface{}]interface{}{"key": "myObjectString"}
	if !testEqual(got.Value, want) {
		t.Errorf("body differs:\n%s", testDiff(got.Value, want))
	}
}

func TestTypedObjectMessageByAnnotation(t *testing.T) {
	delivered := &Message{
		Annotations: map[interface{}]interface{}{
			symbol(annotationMsgType): uint8(KindObject),
		},
		Value: map[string]interface{}{"key": "myObjectString"},
	}
	got := roundTripMessage(t, delivered)

	if k := got.Kind(); k != KindObject {
		t.Errorf("expected %s message, got %s", KindObject, k)
	}

	// the opaque accessor refuses a typed body
	var s string
	err := got.Object(&s)
	if err == nil {
		t.Error("expected error decoding typed body as opaque object")
	} else if k := KindOf(err); k != KindApplication {
		t.Errorf("expected %s error, got %s: %v", KindApplication, k, err)
	}

	want := map[interface{}]interface{}{"key": "myObjectString"}
	if !testEqual(got.Value, want) {
		t.Errorf("body differs:\n%s", testDiff(got.Value, want))
	}
}

func TestMessageBodyRoundTrip(t *testing.T) {
	tests := []struct {
		label string
		msg   *Message
		kind  MessageKind
		check func(t *testing.T, got *Message)
	}{
		{
			label: "message",
			msg:   NewMessage(),
			kind:  KindMessage,
			check: func(t *testing.T, got *Message) {
				if got.Data != nil || got.Value != nil || got.Sequence != nil {
					t.Errorf("expected no body, got %+v", got)
				}
			},
		},
		{
			label: "text",
			msg:   NewTextMessage("hello"),
			kind:  KindText,
			check: func(t *testing.T, got *Message) {
				text, err := got.Text()
				if err != nil {
					t.Fatalf("%+v", err)
				}
				if text != "hello" {
					t.Errorf("expected %q, got %q", "hello", text)
				}
			},
		},
		{
			label: "bytes",
			msg:   NewBytesMessage([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
			kind:  KindBytes,
			check: func(t *testing.T, got *Message) {
				body, err := got.BytesBody()
				if err != nil {
					t.Fatalf("%+v", err)
				}
				if !bytes.Equal(body, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
					t.Errorf("expected body deadbeef, got %x", body)
				}
			},
		},
		{
			label: "map",
			msg: NewMapMessage(map[string]interface{}{
				"ticker": "AMQP",
				"count":  7,
			}),
			kind: KindMap,
			check: func(t *testing.T, got *Message) {
				body, err := got.MapBody()
				if err != nil {
					t.Fatalf("%+v", err)
				}
				want := map[string]interface{}{
					"ticker": "AMQP",
					"count":  7,
				}
				if !testEqual(body, want) {
					t.Errorf("body differs:\n%s", testDiff(body, want))
				}
			},
		},
		{
			label: "stream",
			msg:   NewStreamMessage("one", 2, true),
			kind:  KindStream,
			check: func(t *testing.T, got *Message) {
				body, err := got.StreamBody()
				if err != nil {
					t.Fatalf("%+v", err)
				}
				want := []interface{}{"one", 2, true}
				if !testEqual(body, want) {
					t.Errorf("body differs:\n%s", testDiff(body, want))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if k := tt.msg.Kind(); k != tt.kind {
				t.Errorf("expected kind %s before send, got %s", tt.kind, k)
			}
			tt.msg.prepareSend()
			got := roundTripMessage(t, tt.msg)
			if k := got.Kind(); k != tt.kind {
				t.Errorf("expected kind %s after round trip, got %s", tt.kind, k)
			}
			tt.check(t, got)
		})
	}
}

func TestMessageBodyMismatch(t *testing.T) {
	object, err := NewObjectMessage("payload")
	if err != nil {
		t.Fatalf("%+v", err)
	}

	tests := []struct {
		label string
		err   func() error
	}{
		{
			label: "text accessor on bytes message",
			err: func() error {
				_, err := NewBytesMessage([]byte("raw")).Text()
				return err
			},
		},
		{
			label: "bytes accessor on text message",
			err: func() error {
				_, err := NewTextMessage("hello").BytesBody()
				return err
			},
		},
		{
			label: "map accessor on stream message",
			err: func() error {
				_, err := NewStreamMessage("one").MapBody()
				return err
			},
		},
		{
			label: "stream accessor on map message",
			err: func() error {
				_, err := NewMapMessage(nil).StreamBody()
				return err
			},
		},
		{
			label: "object accessor on text message",
			err: func() error {
				var s string
				return NewTextMessage("hello").Object(&s)
			},
		},
		{
			label: "text accessor on object message",
			err: func() error {
				_, err := object.Text()
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			err := tt.err()
			if err == nil {
				t.Fatal("expected error")
			}
			if k := KindOf(err); k != KindApplication {
				t.Errorf("expected %s error, got %s: %v", KindApplication, k, err)
			}
		})
	}
}

func TestPrepareSendDefaults(t *testing.T) {
	m := &Message{}
	m.prepareSend()

	if m.Header == nil || !m.Header.Durable {
		t.Errorf("expected durable header, got %+v", m.Header)
	}
	v, ok := annotationValue(m.Annotations, annotationMsgType)
	if !ok {
		t.Error("expected message type annotation")
	} else if v != uint8(KindMessage) {
		t.Errorf("expected message type annotation %d, got %v", KindMessage, v)
	}
	id, ok := m.Properties.MessageID.(string)
	if !ok || !strings.HasPrefix(id, "ID:") {
		t.Errorf("expected assigned message ID, got %v", m.Properties.MessageID)
	}
}

func TestPrepareSendKeepsCallerValues(t *testing.T) {
	m := NewTextMessage("hello")
	m.Header = &MessageHeader{Durable: false, Priority: 9}
	m.Properties = &MessageProperties{MessageID: "ID:fixed"}
	m.prepareSend()

	if m.Header.Durable {
		t.Error("expected non-durable header to be kept")
	}
	if m.Header.Priority != 9 {
		t.Errorf("expected priority 9, got %d", m.Header.Priority)
	}
	if m.Properties.MessageID != "ID:fixed" {
		t.Errorf("expected message ID to be kept, got %v", m.Properties.MessageID)
	}
}
