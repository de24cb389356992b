package card

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/shopkeep/internal/models"
)

// ErrExternalFailure is returned when an API card's endpoint fails or
// answers with an empty body.
var ErrExternalFailure = errors.New("card: external failure")

// ErrUnsupported is returned when a card kind cannot be rendered in the
// requested context.
var ErrUnsupported = errors.New("card: unsupported kind")

// DefaultFetchTimeout bounds one API card request.
const DefaultFetchTimeout = 10 * time.Second

const maxBody = 64 << 10

// Fetcher performs API card GETs.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher creates a Fetcher. A nil client uses http.DefaultClient.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{client: client, timeout: timeout}
}

// Fetch GETs url and returns the body verbatim. A body that is blank or
// larger than 64 KiB fails.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrExternalFailure, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExternalFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrExternalFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrExternalFailure, resp.StatusCode)
	}
	if len(data) > maxBody {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrExternalFailure, maxBody)
	}
	body := string(data)
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("%w: empty body", ErrExternalFailure)
	}
	return body, nil
}

// Render returns the body of a fixed text or API card. Inventory cards are
// drawn through Inventory and are rejected here.
func (f *Fetcher) Render(ctx context.Context, c *models.Card) (string, error) {
	switch c.Kind {
	case models.CardKindFixedText:
		return c.Body, nil
	case models.CardKindAPI:
		return f.Fetch(ctx, c.APIURL)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, c.Kind)
	}
}
