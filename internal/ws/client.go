// Package ws is the client transport for the realtime conversation service:
// a gobwas/ws connection carrying JSON text frames, authenticated with a
// bearer token at handshake time.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"
)

// DialerConfig holds tunable parameters for the client connection.
type DialerConfig struct {
	URL            string        // ws:// or wss:// endpoint, e.g. "ws://localhost:5001/"
	ConnectTimeout time.Duration // handshake deadline
	WriteTimeout   time.Duration // per-frame write deadline
	PingInterval   time.Duration // keepalive interval; zero disables pings
}

// DefaultDialerConfig returns a DialerConfig matching the dashboard's socket
// client defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		URL:            "ws://localhost:5001/",
		ConnectTimeout: 20 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
	}
}

// Dialer opens authenticated connections.
type Dialer struct {
	config DialerConfig
}

// NewDialer creates a Dialer with the given configuration.
func NewDialer(config DialerConfig) *Dialer {
	return &Dialer{config: config}
}

// Config returns the dialer configuration.
func (d *Dialer) Config() DialerConfig { return d.config }

// Dial connects to the configured endpoint. The token is sent both as an
// Authorization header and as a "token" query parameter, since proxies in
// front of the service are known to strip one or the other.
func (d *Dialer) Dial(ctx context.Context, token string) (*Conn, error) {
	target, err := withToken(d.config.URL, token)
	if err != nil {
		return nil, err
	}

	if d.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ConnectTimeout)
		defer cancel()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := ws.Dialer{
		Timeout: d.config.ConnectTimeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}

	nc, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "ws: dial %s", d.config.URL)
	}

	conn := newConn(nc, br, d.config.WriteTimeout)
	if d.config.PingInterval > 0 {
		StartKeepalive(conn, DefaultKeepaliveConfig(d.config.PingInterval))
	}
	return conn, nil
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "ws: parse url %q", raw)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SocketURL derives the realtime endpoint from the REST base URL: the trailing
// "/api" segment is dropped and the scheme switched to ws or wss.
func SocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", errors.Wrapf(err, "ws: parse api url %q", apiURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("ws: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api")
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
