package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/zulandar/shopkeep/internal/codec"
)

// write sends one binary frame under the send mutex. Paced frames wait
// for the rate limiter first.
func (s *Session) write(ctx context.Context, frame []byte, paced bool) error {
	if paced {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.conn == nil {
		return ErrNotLive
	}
	if err := s.conn.SetWriteDeadline(s.now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendText sends a chat message to a buyer. When the socket is not live
// the signed REST endpoint is used instead. Both paths are paced.
func (s *Session) SendText(ctx context.Context, conversationID, receiverUserID, text string) error {
	if s.State() != StateLive {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		return s.sendREST(ctx, conversationID, receiverUserID, text)
	}
	frame := codec.ChatFrame(codec.ChatParams{
		MID:            codec.NewMID(),
		UserID:         s.Credential().MarketplaceUserID,
		ConversationID: conversationID,
		ReceiverUserID: receiverUserID,
		Text:           text,
	})
	err := s.write(ctx, frame, true)
	if errors.Is(err, ErrNotLive) {
		// The socket went away after the state check; the limiter
		// was already waited on.
		return s.sendREST(ctx, conversationID, receiverUserID, text)
	}
	if err != nil {
		return fmt.Errorf("session: send chat: %w", err)
	}
	return nil
}

func (s *Session) sendREST(ctx context.Context, conversationID, receiverUserID, text string) error {
	if err := s.market.SendMessage(ctx, s, conversationID, receiverUserID, text); err != nil {
		return fmt.Errorf("session: send via rest: %w", err)
	}
	return nil
}
