package marketplace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/credential"
)

// DefaultTokenTTL is assumed when the refresh answer carries no expiry.
const DefaultTokenTTL = time.Hour

func jsonBody(pairs ...interface{}) string {
	doc := "{}"
	for i := 0; i+1 < len(pairs); i += 2 {
		doc, _ = sjson.Set(doc, pairs[i].(string), pairs[i+1])
	}
	return doc
}

// RefreshToken obtains a fresh access token for the credential.
func (c *Client) RefreshToken(ctx context.Context, auth Auth, deviceID string) (credential.Token, error) {
	body := jsonBody("appKey", c.appKey, "deviceId", deviceID)
	data, err := c.call(ctx, APIRefreshToken, auth, body)
	if err != nil {
		return credential.Token{}, err
	}
	tok := data.Get("accessToken").String()
	if tok == "" {
		return credential.Token{}, &APIError{API: APIRefreshToken, Ret: "no accessToken in answer", kind: ErrRequestFailed}
	}
	exp := c.now().Add(DefaultTokenTTL)
	if ms := data.Get("expiresAt").Int(); ms > 0 {
		exp = time.UnixMilli(ms)
	} else if sec := data.Get("expiresIn").Int(); sec > 0 {
		exp = c.now().Add(time.Duration(sec) * time.Second)
	}
	return credential.Token{Value: tok, ExpiresAt: exp}, nil
}

// HistoryMessage is one past chat line.
type HistoryMessage struct {
	MessageID    string
	SenderUserID string
	Text         string
	Timestamp    time.Time
}

// ChatHistory returns up to limit recent messages of a conversation, oldest
// first.
func (c *Client) ChatHistory(ctx context.Context, auth Auth, conversationID string, limit int) ([]HistoryMessage, error) {
	body := jsonBody("conversationId", conversationID, "pageSize", limit)
	data, err := c.call(ctx, APIChatHistory, auth, body)
	if err != nil {
		return nil, err
	}
	var out []HistoryMessage
	data.Get("messages").ForEach(func(_, m gjson.Result) bool {
		text := m.Get("text")
		if text.Type == gjson.JSON {
			text = text.Get("text")
		}
		out = append(out, HistoryMessage{
			MessageID:    m.Get("messageId").String(),
			SenderUserID: m.Get("senderUserId").String(),
			Text:         text.String(),
			Timestamp:    time.UnixMilli(m.Get("timestamp").Int()),
		})
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SendMessage posts a text message through REST, used when the socket is
// not live.
func (c *Client) SendMessage(ctx context.Context, auth Auth, conversationID, receiverUserID, text string) error {
	body := jsonBody(
		"conversationId", conversationID,
		"receiverId", receiverUserID,
		"content", codec.ChatContent(text),
	)
	if _, err := c.call(ctx, APISendMessage, auth, body); err != nil {
		return err
	}
	return nil
}

// Item is the listing detail used for prompts and delivery rules.
type Item struct {
	ID          string
	Title       string
	Description string
	Price       string
}

// ItemDetail fetches one listing.
func (c *Client) ItemDetail(ctx context.Context, auth Auth, itemID string) (*Item, error) {
	data, err := c.call(ctx, APIItemDetail, auth, jsonBody("itemId", itemID))
	if err != nil {
		return nil, err
	}
	item := &Item{
		ID:          itemID,
		Title:       data.Get("itemDO.title").String(),
		Description: data.Get("itemDO.desc").String(),
		Price:       data.Get("itemDO.soldPrice").String(),
	}
	if item.Title == "" && item.Description == "" {
		return nil, fmt.Errorf("marketplace: item %s: empty detail", itemID)
	}
	return item, nil
}

// Order is the order detail used by spec-keyword delivery rules.
type Order struct {
	ID          string
	ItemID      string
	ItemTitle   string
	BuyerUserID string
	Spec        string
}

// OrderDetail fetches one order.
func (c *Client) OrderDetail(ctx context.Context, auth Auth, orderID string) (*Order, error) {
	data, err := c.call(ctx, APIOrderDetail, auth, jsonBody("orderId", orderID))
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:          orderID,
		ItemID:      data.Get("itemId").String(),
		ItemTitle:   data.Get("itemTitle").String(),
		BuyerUserID: data.Get("buyerUserId").String(),
		Spec:        data.Get("skuSpec").String(),
	}, nil
}
