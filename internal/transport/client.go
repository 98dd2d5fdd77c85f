package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

var ErrUnauthorized = errors.New("transport: unauthorized")

// StatusError is a non-success answer from a remote hub.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: remote returned %d: %s", e.Code, e.Message)
}

// DialFunc opens the connection a request travels over.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client is a Communicator backed by a remote hub.
type Client struct {
	base  *url.URL
	token string
	wait  time.Duration
	http  *http.Client
}

var _ channel.Communicator = (*Client)(nil)

// ClientOption customises a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	token string
	tls   *tls.Config
	dial  DialFunc
	wait  time.Duration
}

// WithToken authenticates requests with a bearer token.
func WithToken(token string) ClientOption { return func(o *clientOptions) { o.token = token } }

// WithTLS sets the client TLS configuration.
func WithTLS(cfg *tls.Config) ClientOption { return func(o *clientOptions) { o.tls = cfg } }

// WithDialer routes connections through dial, e.g. an SSH tunnel.
func WithDialer(dial DialFunc) ClientOption { return func(o *clientOptions) { o.dial = dial } }

// WithPollWait sets how long one receive poll may be held by the server.
func WithPollWait(d time.Duration) ClientOption { return func(o *clientOptions) { o.wait = d } }

// NewClient creates a client for the hub at baseURL (http or https).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	o := clientOptions{wait: MaxWait}
	for _, opt := range opts {
		opt(&o)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if o.tls != nil {
		tr.TLSClientConfig = o.tls
	}
	if o.dial != nil {
		tr.DialContext = o.dial
		tr.Proxy = nil
	}
	return &Client{
		base:  u,
		token: o.token,
		wait:  o.wait,
		http:  &http.Client{Transport: tr},
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	for _, p := range parts {
		u.Path += "/" + url.PathEscape(p)
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, ErrUnauthorized
	case resp.StatusCode >= 300:
		var e ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: e.Error}
	case out != nil && resp.StatusCode != http.StatusNoContent:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Heartbeat checks that the remote hub is reachable.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	var hb HeartbeatResponse
	_, err := c.do(ctx, http.MethodGet, c.endpoint("v0", "heartbeat"), nil, &hb)
	return hb, err
}

// Send delivers msg to endpoint on the remote hub.
func (c *Client) Send(ctx context.Context, msg api.Message, endpoint string) error {
	_, err := c.do(ctx, http.MethodPost, c.endpoint("v0", "channels", endpoint, "send"), SendRequest{Message: msg}, nil)
	if err != nil {
		log.Error().Err(err).Str("endpoint", endpoint).Str("message", msg.String()).Msg("remote send failed")
	}
	return err
}

// Receive long-polls endpoint until a message arrives or ctx is done.
func (c *Client) Receive(ctx context.Context, endpoint string) (api.Message, error) {
	target := c.endpoint("v0", "channels", endpoint, "receive") + "?wait=" + url.QueryEscape(c.wait.String())
	for {
		var resp ReceiveResponse
		code, err := c.do(ctx, http.MethodPost, target, nil, &resp)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("endpoint", endpoint).Msg("remote receive failed")
			}
			return api.Message{}, err
		}
		if code == http.StatusOK {
			return resp.Message, nil
		}
	}
}
