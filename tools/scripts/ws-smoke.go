// Package main provides a CI-friendly end-to-end smoke test for parley.
//
// It validates:
//   - register/login over HTTP
//   - server + channel setup and invite join
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe/ack on a channel topic
//   - HTTP create -> message_created fanout to another client
//   - HTTP edit -> message_updated fanout
//   - HTTP delete -> message_updated with deleted=true and placeholder content
//   - history endpoint returning the tombstone
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "parley/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type smokeUser struct {
	token   string
	profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	userA := mustRegister(hc, *baseURL, "smoke-a-"+suffix)
	userB := mustRegister(hc, *baseURL, "smoke-b-"+suffix)

	server := mustCreateServer(hc, *baseURL, userA.token, "smoke-server-"+suffix)
	channel := mustCreateChannel(hc, *baseURL, userA.token, server.ID, "smoke-room")
	mustJoinServer(hc, *baseURL, userB.token, server.InviteCode)

	a := mustConnect(root, "A", *wsURL, *origin, userA.token, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, userB.token, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q channel=%s\n", a.sessionID, b.sessionID, *origin, channel.ID)
	}

	topic := fmt.Sprintf("chat:%s:messages", channel.ID)
	mustSubscribe(root, a, topic, *timeout)
	mustSubscribe(root, b, topic, *timeout)

	created := mustPostMessage(hc, *baseURL, userA.token, server.ID, channel.ID, *text)
	mustAssertMessageEvent(root, b, v1.TypeMessageCreated, created.ID, *text, false, *timeout)

	edited := mustEditMessage(hc, *baseURL, userA.token, server.ID, channel.ID, created.ID, *text+" (edited)")
	mustAssertMessageEvent(root, b, v1.TypeMessageUpdated, edited.ID, *text+" (edited)", false, *timeout)

	deleted := mustDeleteMessage(hc, *baseURL, userA.token, server.ID, channel.ID, created.ID)
	if !deleted.Deleted {
		fatalf("delete: response not marked deleted")
	}
	mustAssertMessageEvent(root, b, v1.TypeMessageUpdated, created.ID, deleted.Content, true, *timeout)

	mustHistoryContainsTombstone(hc, *baseURL, userB.token, channel.ID, created.ID)

	fmt.Printf("OK: A=%s B=%s channel=%s msg=%s\n", a.sessionID, b.sessionID, channel.ID, created.ID)
}

// ---- HTTP steps ----

type smokeServer struct {
	ID         string `json:"id"`
	InviteCode string `json:"inviteCode"`
}

type smokeChannel struct {
	ID string `json:"id"`
}

type smokeMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Deleted bool   `json:"deleted"`
}

func mustRegister(hc *http.Client, base, username string) smokeUser {
	resp := struct {
		Token   string `json:"token"`
		Profile struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"profile"`
	}{}
	body := map[string]string{"username": username, "password": "smoke-password-1"}
	mustJSONCall(hc, http.MethodPost, base+"/auth/register", "", body, http.StatusCreated, &resp)

	var out smokeUser
	out.token = resp.Token
	out.profile = resp.Profile
	if out.token == "" || out.profile.ID == "" {
		fatalf("register %s: missing token or profile", username)
	}
	return out
}

func mustCreateServer(hc *http.Client, base, token, name string) smokeServer {
	var srv smokeServer
	mustJSONCall(hc, http.MethodPost, base+"/api/servers", token, map[string]string{"name": name}, http.StatusCreated, &srv)
	if srv.ID == "" || srv.InviteCode == "" {
		fatalf("create server: missing id or invite code")
	}
	return srv
}

func mustCreateChannel(hc *http.Client, base, token, serverID, name string) smokeChannel {
	var ch smokeChannel
	mustJSONCall(hc, http.MethodPost, base+"/api/channels?serverID="+url.QueryEscape(serverID), token, map[string]string{"name": name}, http.StatusCreated, &ch)
	if ch.ID == "" {
		fatalf("create channel: missing id")
	}
	return ch
}

func mustJoinServer(hc *http.Client, base, token, inviteCode string) {
	mustJSONCall(hc, http.MethodPost, base+"/api/servers/join", token, map[string]string{"inviteCode": inviteCode}, http.StatusOK, &smokeServer{})
}

func mustPostMessage(hc *http.Client, base, token, serverID, channelID, text string) smokeMessage {
	var msg smokeMessage
	u := fmt.Sprintf("%s/api/socket/messages?serverID=%s&channelID=%s", base, url.QueryEscape(serverID), url.QueryEscape(channelID))
	mustJSONCall(hc, http.MethodPost, u, token, map[string]string{"content": text}, http.StatusCreated, &msg)
	if msg.ID == "" {
		fatalf("post message: missing id")
	}
	return msg
}

func mustEditMessage(hc *http.Client, base, token, serverID, channelID, messageID, text string) smokeMessage {
	var msg smokeMessage
	u := fmt.Sprintf("%s/api/socket/messages/%s?serverID=%s&channelID=%s", base, url.PathEscape(messageID), url.QueryEscape(serverID), url.QueryEscape(channelID))
	mustJSONCall(hc, http.MethodPatch, u, token, map[string]string{"content": text}, http.StatusOK, &msg)
	return msg
}

func mustDeleteMessage(hc *http.Client, base, token, serverID, channelID, messageID string) smokeMessage {
	var msg smokeMessage
	u := fmt.Sprintf("%s/api/socket/messages/%s?serverID=%s&channelID=%s", base, url.PathEscape(messageID), url.QueryEscape(serverID), url.QueryEscape(channelID))
	mustJSONCall(hc, http.MethodDelete, u, token, nil, http.StatusOK, &msg)
	return msg
}

func mustHistoryContainsTombstone(hc *http.Client, base, token, channelID, messageID string) {
	var page struct {
		Items []smokeMessage `json:"items"`
	}
	mustJSONCall(hc, http.MethodGet, base+"/api/messages?channelID="+url.QueryEscape(channelID), token, nil, http.StatusOK, &page)

	for _, m := range page.Items {
		if m.ID == messageID {
			if !m.Deleted {
				fatalf("history: message %s not marked deleted", messageID)
			}
			return
		}
	}
	fatalf("history: deleted message %s missing from page", messageID)
}

func mustJSONCall(hc *http.Client, method, u, token string, body any, wantStatus int, out any) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s %s: %v", method, u, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fatalf("request %s %s: %v", method, u, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("%s %s: status=%d want=%d body=%s", method, u, resp.StatusCode, wantStatus, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode %s %s: %v", method, u, err)
		}
	}
}

// ---- websocket steps ----

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{Topic: topic, Kind: "channel"}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, stepTimeout)

	var p v1.SubscribeAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribe_ack payload (%s): %v", c.name, err)
	}
	if p.Topic != topic {
		fatalf("subscribe_ack topic mismatch (%s): got=%q want=%q", c.name, p.Topic, topic)
	}
}

func mustAssertMessageEvent(parent context.Context, c *smokeClient, wantType, wantID, wantContent string, wantDeleted bool, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, wantType, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload (%s): %v", wantType, c.name, err)
	}

	var msg smokeMessage
	if err := json.Unmarshal(p.Message, &msg); err != nil {
		fatalf("unmarshal %s message (%s): %v", wantType, c.name, err)
	}

	if msg.ID != wantID {
		fatalf("%s id mismatch (%s): got=%q want=%q", wantType, c.name, msg.ID, wantID)
	}
	if msg.Content != wantContent {
		fatalf("%s content mismatch (%s): got=%q want=%q", wantType, c.name, msg.Content, wantContent)
	}
	if msg.Deleted != wantDeleted {
		fatalf("%s deleted mismatch (%s): got=%v want=%v", wantType, c.name, msg.Deleted, wantDeleted)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	deadline := time.After(stepTimeout)
	for {
		select {
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("read %s: connection closed while waiting for %s", c.name, want)
			}
			if env.Type == want {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("read %s: server error while waiting for %s: %s: %s", c.name, want, p.Code, p.Message)
			}
		case err := <-c.errCh:
			fatalf("read %s: %v", c.name, err)
		case <-deadline:
			fatalf("read %s: timeout waiting for %s", c.name, want)
		case <-parent.Done():
			fatalf("read %s: %v", c.name, parent.Err())
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write envelope: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
