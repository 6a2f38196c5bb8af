package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	v1 "parley/contracts/realtime/v1"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/ids"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultDialTimeout  = 5 * time.Second
	maxReadBytes        = 1 << 20 // 1 MiB

	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

// Config describes one reconciling client session.
type Config struct {
	// BaseURL is the server's HTTP root, e.g. "http://127.0.0.1:8080".
	BaseURL string
	// WSURL is the websocket endpoint, e.g. "ws://127.0.0.1:8080/ws".
	WSURL string
	// Token is the bearer access token.
	Token string
	// Origin is sent on the websocket handshake.
	Origin string

	Scope chat.Scope

	// PollInterval is the fallback polling cadence while disconnected.
	PollInterval time.Duration
}

// Client keeps a paginated message cache fresh for one scope. While the
// socket is up, push events are merged in; while it is down, the newest page
// is re-fetched on a fixed cadence so the user sees new messages either way.
type Client struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client

	cache *PageCache

	// connected is signaled by the socket loop and read by the poll loop.
	connected chan bool
}

// New constructs a Client. httpClient may be nil.
func New(log *slog.Logger, cfg Config, httpClient *http.Client) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Scope.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.WSURL) == "" {
		return nil, errors.New("chatclient: missing BaseURL or WSURL")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		log:       log,
		cfg:       cfg,
		http:      httpClient,
		cache:     NewPageCache(),
		connected: make(chan bool, 1),
	}, nil
}

// Cache exposes the reconciled page cache.
func (c *Client) Cache() *PageCache { return c.cache }

// Run drives the session until ctx is done: an initial history fetch, the
// socket loop with reconnect, and the poll fallback. It returns the first
// non-recoverable error.
func (c *Client) Run(ctx context.Context) error {
	// Seed the cache before the socket comes up so there is something to
	// reconcile against.
	if err := c.refreshFirstPage(ctx); err != nil {
		return fmt.Errorf("initial page: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.socketLoop(ctx) })
	g.Go(func() error { return c.pollLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// LoadMore fetches the next older page and appends it to the cache.
// It reports false when history is exhausted.
func (c *Client) LoadMore(ctx context.Context) (bool, error) {
	cursor := c.cache.NextCursor()
	if len(c.cache.Snapshot()) > 0 && cursor == "" {
		return false, nil
	}

	page, err := c.fetchPage(ctx, cursor)
	if err != nil {
		return false, err
	}

	c.cache.AppendPage(page.Items, page.NextCursor)
	return page.NextCursor != "", nil
}

// ---- socket side ----

func (c *Client) socketLoop(ctx context.Context) error {
	delay := reconnectBaseDelay

	for {
		err := c.runSocket(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setConnected(false)
		c.log.Info("chatclient.ws.disconnected", "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Client) runSocket(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.WSURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxReadBytes)

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}

	c.setConnected(true)

	// Refresh after (re)subscribing: anything pushed while we were away is
	// only recoverable from the history endpoint.
	if err := c.refreshFirstPage(ctx); err != nil {
		c.log.Warn("chatclient.refresh.fail", "err", err)
	}

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleEnvelope(env)
	}
}

// handshake performs hello/hello_ack then subscribe/subscribe_ack.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeHello, nil)); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if _, err := expectType(ctx, conn, v1.TypeHelloAck); err != nil {
		return err
	}

	subPayload, _ := json.Marshal(v1.SubscribePayload{
		Topic: c.cfg.Scope.MessagesTopic(),
		Kind:  string(c.cfg.Scope.Kind),
	})
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeSubscribe, subPayload)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if _, err := expectType(ctx, conn, v1.TypeSubscribeAck); err != nil {
		return err
	}
	return nil
}

func (c *Client) handleEnvelope(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageCreated, v1.TypeMessageUpdated:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("chatclient.event.bad_payload", "type", env.Type, "err", err)
			return
		}
		var msg chat.Message
		if err := json.Unmarshal(p.Message, &msg); err != nil {
			c.log.Warn("chatclient.event.bad_message", "type", env.Type, "err", err)
			return
		}

		if env.Type == v1.TypeMessageCreated {
			c.cache.ApplyCreated(msg)
		} else {
			c.cache.ApplyUpdated(msg)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Warn("chatclient.server_error", "code", p.Code, "msg", p.Message)

	default:
		// Unknown or control frames are ignored.
	}
}

// ---- poll fallback ----

func (c *Client) pollLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	up := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up = <-c.connected:
		case <-t.C:
			if up {
				continue
			}
			if err := c.refreshFirstPage(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("chatclient.poll.fail", "err", err)
			}
		}
	}
}

func (c *Client) setConnected(up bool) {
	select {
	case c.connected <- up:
	default:
	}
}

// ---- history fetch ----

func (c *Client) refreshFirstPage(ctx context.Context) error {
	page, err := c.fetchPage(ctx, "")
	if err != nil {
		return err
	}
	c.cache.ReplaceFirst(page.Items, page.NextCursor)
	return nil
}

func (c *Client) fetchPage(ctx context.Context, cursor string) (chat.Page, error) {
	endpoint := c.cfg.BaseURL + "/api/messages"
	idParam := "channelID"
	if c.cfg.Scope.Kind == chat.ScopeConversation {
		endpoint = c.cfg.BaseURL + "/api/directMessages"
		idParam = "conversationID"
	}

	q := url.Values{}
	q.Set(idParam, c.cfg.Scope.ID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return chat.Page{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return chat.Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return chat.Page{}, fmt.Errorf("history fetch: status %d", resp.StatusCode)
	}

	var page chat.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return chat.Page{}, err
	}
	return page, nil
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

// expectType reads envelopes until one of the wanted type arrives, failing
// fast on server error frames.
func expectType(ctx context.Context, conn *websocket.Conn, want string) (v1.Envelope, error) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.Envelope{}, err
		}
		if env.Type == want {
			return env, nil
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.Envelope{}, fmt.Errorf("server error while waiting for %s: %s: %s", want, p.Code, p.Message)
		}
	}
}
