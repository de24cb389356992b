package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/shopkeep/internal/llm"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"go.uber.org/zap"
)

// DefaultSystemPrompt frames the assistant as the seller.
const DefaultSystemPrompt = "You are the seller of a second-hand listing, chatting with a buyer. " +
	"Answer briefly and politely in the buyer's language. Never invent facts about the item; " +
	"if unsure, say you will check."

// complete asks the AI provider for a reply.
func (e *Engine) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	defer cancel()

	creq := &llm.CompletionRequest{
		Model:     e.model,
		System:    e.system(ctx, req),
		Messages:  messages(req),
		MaxTokens: e.maxTokens,
	}
	resp, err := e.ai.Complete(ctx, creq)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// system builds the system prompt from the configured prompt, the
// credential's prompt and the item description.
func (e *Engine) system(ctx context.Context, req Request) string {
	var b strings.Builder
	b.WriteString(e.systemPrompt)
	if p := strings.TrimSpace(req.Credential.AIPrompt); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	if item := e.item(ctx, req); item != nil {
		fmt.Fprintf(&b, "\n\nItem: %s", item.Title)
		if item.Price != "" {
			fmt.Fprintf(&b, "\nPrice: %s", item.Price)
		}
		if item.Description != "" {
			fmt.Fprintf(&b, "\nDescription: %s", item.Description)
		}
	}
	return b.String()
}

func (e *Engine) item(ctx context.Context, req Request) *marketplace.Item {
	if req.ItemID == "" || e.items == nil {
		return nil
	}
	item, err := e.cache.Get(ctx, req.ItemID, func(ctx context.Context, id string) (*marketplace.Item, error) {
		return e.items.ItemDetail(ctx, req.Auth, id)
	})
	if err != nil {
		e.log.Debug("item detail unavailable", zap.String("item", req.ItemID), zap.Error(err))
		return nil
	}
	return item
}

// messages maps the context window to provider roles. Consecutive turns of
// the same role are merged and leading seller turns dropped so the list
// alternates and starts with the buyer.
func messages(req Request) []llm.ChatMessage {
	turns := req.Context
	if len(turns) == 0 || turns[len(turns)-1].Role != RoleBuyer || turns[len(turns)-1].Text != req.Text {
		turns = append(append([]Turn(nil), turns...), Turn{Role: RoleBuyer, Text: req.Text})
	}

	var out []llm.ChatMessage
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == RoleSeller {
			role = llm.RoleAssistant
		}
		if len(out) == 0 && role == llm.RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + t.Text
			continue
		}
		out = append(out, llm.ChatMessage{Role: role, Content: t.Text})
	}
	return out
}
