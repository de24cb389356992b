package codec

// Envelope layout. Every upstream frame is one envelope message.
const (
	TagRoute   uint32 = 1
	TagHeaders uint32 = 2
	TagCode    uint32 = 3
	TagBody    uint32 = 4
)

// Header fields inside TagHeaders.
const (
	HdrMID       uint32 = 1
	HdrAppKey    uint32 = 2
	HdrToken     uint32 = 3
	HdrUserAgent uint32 = 4
	HdrDeviceID  uint32 = 5
	HdrUserID    uint32 = 6
	HdrNeedAck   uint32 = 7
	HdrTimestamp uint32 = 8
)

// Push body: repeated sync items.
const (
	PushItem       uint32 = 1
	ItemPayload    uint32 = 1
	ItemObjectType uint32 = 2
)

// Sync item object types.
const (
	ObjectChat   uint64 = 1
	ObjectOrder  uint64 = 2
	ObjectSystem uint64 = 3
)

// Send body.
const (
	SendConversation uint32 = 1
	SendReceiver     uint32 = 2
	SendPayload      uint32 = 3
)

// Typing and system bodies.
const (
	TypingConversation uint32 = 1
	TypingUser         uint32 = 2
	SystemText         uint32 = 1
)

// Nested-binary chat payload, used when a sync item payload is not JSON.
const (
	ChatTagMessageID    uint32 = 1
	ChatTagConversation uint32 = 2
	ChatTagSender       uint32 = 3
	ChatTagItem         uint32 = 4
	ChatTagText         uint32 = 5
	ChatTagTimestamp    uint32 = 6
	ChatTagManual       uint32 = 7
)

// Nested-binary order payload.
const (
	OrderTagMessageID    uint32 = 1
	OrderTagID           uint32 = 2
	OrderTagItem         uint32 = 3
	OrderTagBuyer        uint32 = 4
	OrderTagState        uint32 = 5
	OrderTagTimestamp    uint32 = 6
	OrderTagConversation uint32 = 7
	OrderTagItemTitle    uint32 = 8
)

// Routes.
const (
	RouteRegister  = "/reg"
	RouteHeartbeat = "/!"
	RoutePush      = "/s/push"
	RouteTyping    = "/s/typing"
	RouteSystem    = "/s/system"
	RouteSend      = "/r/send"
	RouteAck       = "/ack"
)

// StatusOK is the envelope code of a successful response.
const StatusOK = 200

// Route returns the envelope route.
func Route(m *Message) string {
	s, _ := m.LookupText(TagRoute)
	return s
}

// Code returns the envelope response code, or 0 if absent.
func Code(m *Message) int {
	n, _ := m.LookupUint(TagCode)
	return int(n)
}

// Headers is the decoded header block of an envelope.
type Headers struct {
	MID       string
	AppKey    string
	Token     string
	UserAgent string
	DeviceID  string
	UserID    string
	NeedAck   bool
	Timestamp int64
}

// HeadersOf extracts the header block of an envelope.
func HeadersOf(m *Message) Headers {
	var h Headers
	hv, ok := m.Get(TagHeaders)
	if !ok {
		return h
	}
	hm, err := hv.Message()
	if err != nil {
		return h
	}
	h.MID, _ = hm.LookupText(HdrMID)
	h.AppKey, _ = hm.LookupText(HdrAppKey)
	h.Token, _ = hm.LookupText(HdrToken)
	h.UserAgent, _ = hm.LookupText(HdrUserAgent)
	h.DeviceID, _ = hm.LookupText(HdrDeviceID)
	h.UserID, _ = hm.LookupText(HdrUserID)
	if n, ok := hm.LookupUint(HdrNeedAck); ok {
		h.NeedAck = n != 0
	}
	if n, ok := hm.LookupUint(HdrTimestamp); ok {
		h.Timestamp = int64(n)
	}
	return h
}

// body returns the envelope body as a message.
func body(m *Message) (*Message, error) {
	v, ok := m.Get(TagBody)
	if !ok {
		return &Message{}, nil
	}
	return v.Message()
}
