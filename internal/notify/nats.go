package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/zulandar/shopkeep/internal/models"
	"go.uber.org/zap"
)

// NATSSender publishes the JSON event to a NATS subject. The channel target
// is nats://host:port/subject. Connections are shared per server.
type NATSSender struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]*nats.Conn
}

// NewNATSSender creates a NATSSender.
func NewNATSSender(log *zap.Logger) *NATSSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSSender{log: log.Named("nats"), conns: make(map[string]*nats.Conn)}
}

// Send implements Sender.
func (n *NATSSender) Send(ctx context.Context, ch models.NotificationChannel, _ Event, payload []byte) error {
	server, subject, err := parseNATSTarget(ch.Target)
	if err != nil {
		return err
	}
	nc, err := n.conn(server)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("notify: nats: publish %s: %w", subject, err)
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("notify: nats: flush: %w", err)
	}
	return nil
}

func (n *NATSSender) conn(server string) (*nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nc, ok := n.conns[server]; ok && !nc.IsClosed() {
		return nc, nil
	}
	nc, err := nats.Connect(server,
		nats.Name("shopkeep-notify"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn("nats disconnected", zap.String("server", server), zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: nats: connect %s: %w", server, err)
	}
	n.conns[server] = nc
	return nc, nil
}

// Close drains and closes every shared connection.
func (n *NATSSender) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for server, nc := range n.conns {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
		delete(n.conns, server)
	}
}

// parseNATSTarget splits nats://host:port/subject into the server URL and
// the subject.
func parseNATSTarget(target string) (server, subject string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("notify: nats: parse target: %w", err)
	}
	if u.Scheme != "nats" && u.Scheme != "tls" {
		return "", "", fmt.Errorf("notify: nats: target %q must use nats://", target)
	}
	subject = strings.Trim(u.Path, "/")
	if u.Host == "" || subject == "" {
		return "", "", fmt.Errorf("notify: nats: target %q needs host and subject", target)
	}
	subject = strings.ReplaceAll(subject, "/", ".")
	server = (&url.URL{Scheme: u.Scheme, Host: u.Host, User: u.User}).String()
	return server, subject, nil
}
