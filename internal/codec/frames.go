package codec

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// NewMID returns a fresh frame message id.
func NewMID() string { return uuid.NewString() }

func (h Headers) message() *Message {
	m := NewMessage()
	if h.MID != "" {
		m.Set(HdrMID, Str(h.MID))
	}
	if h.AppKey != "" {
		m.Set(HdrAppKey, Str(h.AppKey))
	}
	if h.Token != "" {
		m.Set(HdrToken, Str(h.Token))
	}
	if h.UserAgent != "" {
		m.Set(HdrUserAgent, Str(h.UserAgent))
	}
	if h.DeviceID != "" {
		m.Set(HdrDeviceID, Str(h.DeviceID))
	}
	if h.UserID != "" {
		m.Set(HdrUserID, Str(h.UserID))
	}
	if h.NeedAck {
		m.Set(HdrNeedAck, Bool(true))
	}
	if h.Timestamp != 0 {
		m.Set(HdrTimestamp, Varint(uint64(h.Timestamp)))
	}
	return m
}

// Envelope builds an envelope message.
func Envelope(route string, h Headers, code int, b *Message) *Message {
	m := NewMessage().Set(TagRoute, Str(route)).Set(TagHeaders, Nested(h.message()))
	if code != 0 {
		m.Set(TagCode, Varint(uint64(code)))
	}
	if b != nil {
		m.Set(TagBody, Nested(b))
	}
	return m
}

// RegisterParams carries the registration identity.
type RegisterParams struct {
	MID       string
	AppKey    string
	Token     string
	UserAgent string
	DeviceID  string
	UserID    string
}

// RegisterFrame builds the registration request.
func RegisterFrame(p RegisterParams) []byte {
	h := Headers{
		MID:       p.MID,
		AppKey:    p.AppKey,
		Token:     p.Token,
		UserAgent: p.UserAgent,
		DeviceID:  p.DeviceID,
		UserID:    p.UserID,
		Timestamp: time.Now().UnixMilli(),
	}
	return Encode(Envelope(RouteRegister, h, 0, nil))
}

// HeartbeatFrame builds a keepalive frame.
func HeartbeatFrame(mid string) []byte {
	return Encode(Envelope(RouteHeartbeat, Headers{MID: mid}, 0, nil))
}

// AckFrame acknowledges an inbound frame that carried need-ack.
func AckFrame(in Headers) []byte {
	h := Headers{MID: in.MID, UserID: in.UserID}
	return Encode(Envelope(RouteAck, h, StatusOK, nil))
}

// ChatParams describes one outbound text message.
type ChatParams struct {
	MID            string
	UserID         string
	ConversationID string
	ReceiverUserID string
	Text           string
}

// ChatContent returns the JSON content document for a text message.
func ChatContent(text string) string {
	doc, _ := sjson.Set(`{"contentType":1}`, "text.text", text)
	return doc
}

// ChatFrame builds an outbound chat message.
func ChatFrame(p ChatParams) []byte {
	payload := base64.StdEncoding.EncodeToString([]byte(ChatContent(p.Text)))
	b := NewMessage().
		Set(SendConversation, Str(p.ConversationID)).
		Set(SendReceiver, Str(p.ReceiverUserID)).
		Set(SendPayload, Str(payload))
	return Encode(Envelope(RouteSend, Headers{MID: p.MID, UserID: p.UserID}, 0, b))
}
