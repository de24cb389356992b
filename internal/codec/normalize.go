package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Normalize turns a decoded envelope into typed inbound events. Pushes may
// carry several sync items; undecodable items are skipped unless none
// decode, in which case ErrMalformedFrame is returned.
func Normalize(m *Message) ([]Inbound, error) {
	kind := Classify(m)
	switch kind {
	case FrameRegisterAck:
		return []Inbound{RegisterAck{MID: HeadersOf(m).MID, Code: Code(m)}}, nil
	case FrameHeartbeatAck:
		return []Inbound{HeartbeatAck{}}, nil
	case FrameSendAck:
		return []Inbound{SendAck{MID: HeadersOf(m).MID, Code: Code(m)}}, nil
	case FrameTyping:
		b, err := body(m)
		if err != nil {
			return nil, err
		}
		conv, _ := b.LookupText(TypingConversation)
		user, _ := b.LookupText(TypingUser)
		return []Inbound{TypingIndicator{ConversationID: conv, UserID: user}}, nil
	case FrameUnknown:
		return nil, fmt.Errorf("%w: route %q", ErrUnknownFrameKind, Route(m))
	}

	if Route(m) == RouteSystem {
		b, err := body(m)
		if err != nil {
			return nil, err
		}
		text, _ := b.LookupText(SystemText)
		return []Inbound{SystemNotice{MessageID: HeadersOf(m).MID, Text: text}}, nil
	}
	return normalizePush(m)
}

func normalizePush(m *Message) ([]Inbound, error) {
	b, err := body(m)
	if err != nil {
		return nil, err
	}
	items := b.All(PushItem)
	var out []Inbound
	var firstErr error
	for _, iv := range items {
		ev, err := normalizeItem(iv)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: push without items", ErrMalformedFrame)
		}
		return nil, firstErr
	}
	return out, nil
}

func normalizeItem(iv Value) (Inbound, error) {
	im, err := iv.Message()
	if err != nil {
		return nil, err
	}
	t, _ := im.LookupUint(ItemObjectType)
	encoded, ok := im.LookupText(ItemPayload)
	if !ok {
		return nil, fmt.Errorf("%w: sync item without payload", ErrMalformedFrame)
	}
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}

	switch t {
	case ObjectChat:
		if doc := jsonPayload(raw); doc != "" {
			return chatFromJSON(doc)
		}
		return chatFromBinary(raw)
	case ObjectOrder:
		if doc := jsonPayload(raw); doc != "" {
			return orderFromJSON(doc)
		}
		return orderFromBinary(raw)
	case ObjectSystem:
		if doc := jsonPayload(raw); doc != "" {
			r := gjson.Parse(doc)
			return SystemNotice{MessageID: r.Get("messageId").String(), Text: r.Get("text").String()}, nil
		}
		return SystemNotice{Text: string(raw)}, nil
	}
	return nil, fmt.Errorf("%w: object type %d", ErrUnknownFrameKind, t)
}

// decodeBase64 accepts padded and unpadded standard or URL alphabets.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("not base64")
}

func jsonPayload(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "{") && gjson.Valid(s) {
		return s
	}
	return ""
}

func millis(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func chatFromJSON(doc string) (Inbound, error) {
	r := gjson.Parse(doc)
	text := r.Get("text")
	if text.Type == gjson.JSON {
		text = text.Get("text")
	}
	if !text.Exists() {
		text = r.Get("content.text.text")
	}
	msg := ChatMessage{
		MessageID:      r.Get("messageId").String(),
		ConversationID: r.Get("conversationId").String(),
		SenderUserID:   r.Get("senderUserId").String(),
		ItemID:         r.Get("itemId").String(),
		Text:           text.String(),
		Timestamp:      millis(r.Get("timestamp").Int()),
		Manual:         r.Get("manual").Bool(),
	}
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("%w: chat without conversationId", ErrMalformedFrame)
	}
	return msg, nil
}

func chatFromBinary(raw []byte) (Inbound, error) {
	cm, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	msg := ChatMessage{}
	msg.MessageID, _ = cm.LookupText(ChatTagMessageID)
	msg.ConversationID, _ = cm.LookupText(ChatTagConversation)
	msg.SenderUserID, _ = cm.LookupText(ChatTagSender)
	msg.ItemID, _ = cm.LookupText(ChatTagItem)
	msg.Text, _ = cm.LookupText(ChatTagText)
	if ts, ok := cm.LookupUint(ChatTagTimestamp); ok {
		msg.Timestamp = millis(int64(ts))
	}
	if v, ok := cm.LookupUint(ChatTagManual); ok {
		msg.Manual = v != 0
	}
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("%w: chat without conversation", ErrMalformedFrame)
	}
	return msg, nil
}

func orderFromJSON(doc string) (Inbound, error) {
	r := gjson.Parse(doc)
	stateText := r.Get("state").String()
	if stateText == "" {
		stateText = r.Get("reminder").String()
	}
	state, ok := ParseOrderState(stateText)
	if !ok {
		return nil, fmt.Errorf("%w: order state %q", ErrUnknownFrameKind, stateText)
	}
	ev := OrderStateChange{
		MessageID:      r.Get("messageId").String(),
		OrderID:        r.Get("orderId").String(),
		ItemID:         r.Get("itemId").String(),
		ItemTitle:      r.Get("itemTitle").String(),
		BuyerUserID:    r.Get("buyerUserId").String(),
		ConversationID: r.Get("conversationId").String(),
		State:          state,
		Timestamp:      millis(r.Get("timestamp").Int()),
	}
	if ev.OrderID == "" {
		return nil, fmt.Errorf("%w: order event without orderId", ErrMalformedFrame)
	}
	return ev, nil
}

func orderFromBinary(raw []byte) (Inbound, error) {
	om, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	stateText, _ := om.LookupText(OrderTagState)
	state, ok := ParseOrderState(stateText)
	if !ok {
		return nil, fmt.Errorf("%w: order state %q", ErrUnknownFrameKind, stateText)
	}
	ev := OrderStateChange{State: state}
	ev.MessageID, _ = om.LookupText(OrderTagMessageID)
	ev.OrderID, _ = om.LookupText(OrderTagID)
	ev.ItemID, _ = om.LookupText(OrderTagItem)
	ev.BuyerUserID, _ = om.LookupText(OrderTagBuyer)
	ev.ConversationID, _ = om.LookupText(OrderTagConversation)
	ev.ItemTitle, _ = om.LookupText(OrderTagItemTitle)
	if ts, ok := om.LookupUint(OrderTagTimestamp); ok {
		ev.Timestamp = millis(int64(ts))
	}
	if ev.OrderID == "" {
		return nil, fmt.Errorf("%w: order event without order id", ErrMalformedFrame)
	}
	return ev, nil
}
