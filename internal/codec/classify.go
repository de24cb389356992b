package codec

// FrameKind categorizes a decoded envelope.
type FrameKind string

const (
	FrameChat         FrameKind = "chat"
	FrameOrderState   FrameKind = "order_state"
	FrameTyping       FrameKind = "typing"
	FrameHeartbeatAck FrameKind = "heartbeat_ack"
	FrameRegisterAck  FrameKind = "register_ack"
	FrameSendAck      FrameKind = "send_ack"
	FrameSystem       FrameKind = "system"
	FrameUnknown      FrameKind = "unknown"
)

// Classify inspects the route and, for pushes, the first sync item's
// object type.
func Classify(m *Message) FrameKind {
	switch Route(m) {
	case RouteRegister:
		return FrameRegisterAck
	case RouteHeartbeat:
		return FrameHeartbeatAck
	case RouteTyping:
		return FrameTyping
	case RouteSystem:
		return FrameSystem
	case RouteSend:
		return FrameSendAck
	case RoutePush:
		b, err := body(m)
		if err != nil {
			return FrameUnknown
		}
		item, ok := b.Get(PushItem)
		if !ok {
			return FrameUnknown
		}
		im, err := item.Message()
		if err != nil {
			return FrameUnknown
		}
		t, _ := im.LookupUint(ItemObjectType)
		return objectKind(t)
	}
	return FrameUnknown
}

func objectKind(t uint64) FrameKind {
	switch t {
	case ObjectChat:
		return FrameChat
	case ObjectOrder:
		return FrameOrderState
	case ObjectSystem:
		return FrameSystem
	}
	return FrameUnknown
}
