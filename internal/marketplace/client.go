// Package marketplace is a client for the marketplace's signed REST gateway.
package marketplace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/signer"
	"go.uber.org/zap"
)

var (
	// ErrTokenExpired is the marketplace's normal token-expiry answer. It is
	// handled silently by refreshing on the next cycle.
	ErrTokenExpired = errors.New("marketplace: token expired")
	// ErrCookieInvalid means the cookie bag is no longer accepted and a
	// manual re-login is required.
	ErrCookieInvalid = errors.New("marketplace: cookie invalid")
	// ErrRequestFailed covers every other non-success answer.
	ErrRequestFailed = errors.New("marketplace: request failed")
)

// API names.
const (
	APIRefreshToken = "mtop.idle.im.token.refresh"
	APIChatHistory  = "mtop.idle.im.message.list"
	APISendMessage  = "mtop.idle.im.message.send"
	APIItemDetail   = "mtop.idle.item.detail"
	APIOrderDetail  = "mtop.idle.order.detail"
)

var (
	tokenExpiredCodes  = []string{"TOKEN_EXPIRED", "TOKEN_EXOIRED", "TOKEN_EMPTY"}
	cookieInvalidCodes = []string{"SESSION_EXPIRED", "RGV587", "USER_VALIDATE", "FAIL_SYS_ILLEGAL_ACCESS"}
)

// APIError is a non-success answer from the gateway.
type APIError struct {
	API        string
	StatusCode int
	Ret        string
	kind       error
}

func (e *APIError) Error() string {
	if e.Ret != "" {
		return fmt.Sprintf("%s: %s: %s", e.kind, e.API, e.Ret)
	}
	return fmt.Sprintf("%s: %s: http %d", e.kind, e.API, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.kind }

// Auth supplies the per-credential identity of a request and receives
// cookies the gateway sets in its response.
type Auth interface {
	Cookies() credential.Cookies
	AccessToken() string
	SetCookies(credential.Cookies)
}

// StaticAuth is an Auth over fixed values. Set-Cookie values are merged
// into Jar.
type StaticAuth struct {
	Jar   credential.Cookies
	Token string
}

func (a *StaticAuth) Cookies() credential.Cookies     { return a.Jar }
func (a *StaticAuth) AccessToken() string             { return a.Token }
func (a *StaticAuth) SetCookies(c credential.Cookies) { a.Jar = a.Jar.Merge(c) }

// Client calls the gateway.
type Client struct {
	baseURL   string
	appKey    string
	userAgent string
	origin    string
	http      *http.Client
	log       *zap.Logger
	now       func() time.Time
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	AppKey     string
	UserAgent  string
	Origin     string
	Timeout    time.Duration // per request; defaults to 15s
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("marketplace: base url is required")
	}
	if opts.AppKey == "" {
		return nil, fmt.Errorf("marketplace: app key is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		appKey:    opts.AppKey,
		userAgent: opts.UserAgent,
		origin:    opts.Origin,
		http:      hc,
		log:       log,
		now:       time.Now,
	}, nil
}

// call performs one signed request and returns the "data" object.
func (c *Client) call(ctx context.Context, api string, auth Auth, body string) (gjson.Result, error) {
	cookies := auth.Cookies()
	q := signer.Params(auth.AccessToken(), cookies.SignToken(), c.appKey, body, c.now())
	q.Set("api", api)
	q.Set("v", "1.0")
	q.Set("type", "originaljson")
	q.Set("dataType", "json")

	u := c.baseURL + "/" + url.PathEscape(api) + "/1.0/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte(body)))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marketplace: %s: build request: %w", api, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+"/")
	}
	if len(cookies) > 0 {
		req.Header.Set("Cookie", cookies.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marketplace: %s: %w", api, err)
	}
	defer resp.Body.Close()

	if set := credential.FromHTTP(resp.Cookies()); len(set) > 0 {
		auth.SetCookies(set)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marketplace: %s: read body: %w", api, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, &APIError{API: api, StatusCode: resp.StatusCode, kind: ErrRequestFailed}
	}

	doc := gjson.ParseBytes(raw)
	if err := checkRet(api, resp.StatusCode, doc.Get("ret")); err != nil {
		return gjson.Result{}, err
	}
	return doc.Get("data"), nil
}

// checkRet maps the gateway's ret array to an error kind.
func checkRet(api string, status int, ret gjson.Result) error {
	var codes []string
	for _, r := range ret.Array() {
		codes = append(codes, r.String())
	}
	joined := strings.Join(codes, ",")
	for _, code := range tokenExpiredCodes {
		if strings.Contains(joined, code) {
			return &APIError{API: api, StatusCode: status, Ret: joined, kind: ErrTokenExpired}
		}
	}
	for _, code := range cookieInvalidCodes {
		if strings.Contains(joined, code) {
			return &APIError{API: api, StatusCode: status, Ret: joined, kind: ErrCookieInvalid}
		}
	}
	if !strings.HasPrefix(joined, "SUCCESS") {
		return &APIError{API: api, StatusCode: status, Ret: joined, kind: ErrRequestFailed}
	}
	return nil
}
