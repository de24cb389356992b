package codec

import (
	"strings"
	"time"
)

// Inbound is a normalized upstream event.
type Inbound interface {
	Kind() FrameKind
}

// ChatMessage is a buyer or seller chat line.
type ChatMessage struct {
	MessageID      string
	ConversationID string
	SenderUserID   string
	ItemID         string
	Text           string
	Timestamp      time.Time
	// Manual marks a message typed by the operator in the marketplace UI.
	Manual bool
}

// OrderState is a transaction lifecycle state.
type OrderState string

const (
	OrderCreated   OrderState = "created"
	OrderPaid      OrderState = "paid"
	OrderShipped   OrderState = "shipped"
	OrderConfirmed OrderState = "confirmed"
	OrderRefunded  OrderState = "refunded"
	OrderClosed    OrderState = "closed"
	OrderDispute   OrderState = "dispute"
)

// OrderStateChange reports an order moving between states.
type OrderStateChange struct {
	MessageID      string
	OrderID        string
	ItemID         string
	ItemTitle      string
	BuyerUserID    string
	ConversationID string
	State          OrderState
	Timestamp      time.Time
}

// SystemNotice is free text pushed by the marketplace.
type SystemNotice struct {
	MessageID string
	Text      string
}

// TypingIndicator reports the peer typing.
type TypingIndicator struct {
	ConversationID string
	UserID         string
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct{}

// RegisterAck answers a registration.
type RegisterAck struct {
	MID  string
	Code int
}

// OK reports whether registration succeeded.
func (a RegisterAck) OK() bool { return a.Code == StatusOK }

// SendAck answers an outbound chat frame.
type SendAck struct {
	MID  string
	Code int
}

func (ChatMessage) Kind() FrameKind      { return FrameChat }
func (OrderStateChange) Kind() FrameKind { return FrameOrderState }
func (SystemNotice) Kind() FrameKind     { return FrameSystem }
func (TypingIndicator) Kind() FrameKind  { return FrameTyping }
func (HeartbeatAck) Kind() FrameKind     { return FrameHeartbeatAck }
func (RegisterAck) Kind() FrameKind      { return FrameRegisterAck }
func (SendAck) Kind() FrameKind          { return FrameSendAck }

// reminderStates maps marketplace reminder texts to order states. Texts are
// matched by substring, first match wins.
var reminderStates = []struct {
	text  string
	state OrderState
}{
	{"等待买家付款", OrderCreated},
	{"我已拍下，待付款", OrderCreated},
	{"已付款，待发货", OrderPaid},
	{"我已付款，等待你发货", OrderPaid},
	{"买家已付款", OrderPaid},
	{"已发货", OrderShipped},
	{"交易成功", OrderConfirmed},
	{"确认收货", OrderConfirmed},
	{"退款成功", OrderRefunded},
	{"已退款", OrderRefunded},
	{"申请退款", OrderDispute},
	{"小法庭", OrderDispute},
	{"交易关闭", OrderClosed},
	{"关闭了订单", OrderClosed},
}

// ParseOrderState maps an explicit state name or a reminder text to a state.
func ParseOrderState(s string) (OrderState, bool) {
	s = strings.TrimSpace(s)
	switch OrderState(strings.ToLower(s)) {
	case OrderCreated, OrderPaid, OrderShipped, OrderConfirmed, OrderRefunded, OrderClosed, OrderDispute:
		return OrderState(strings.ToLower(s)), true
	}
	for _, r := range reminderStates {
		if strings.Contains(s, r.text) {
			return r.state, true
		}
	}
	return "", false
}
