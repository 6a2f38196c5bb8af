package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "parley/contracts/realtime/v1"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
)

type gatewayFixture struct {
	srv *httptest.Server
	svc *chat.Service

	serverID  string
	channelID string

	memberToken   string
	memberProfile string
	outsiderToken string
}

// newGatewayFixture boots a gateway over in-memory stores with one member
// (on a server with a "random" channel) and one outsider.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	// The gateway reads its policy from the environment at construction.
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := chat.NewInMemoryStore()
	bc := chat.NewBroadcaster(log, nil)
	svc := chat.NewService(log, st, st, bc)
	auth := identity.NewService(log, identity.NewInMemoryStore(), time.Hour)

	ctx := context.Background()

	member, err := st.CreateProfile(ctx, "alice", "")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	_, memberToken, err := auth.Register(ctx, "alice", "hunter2hunter2", member.ID)
	if err != nil {
		t.Fatalf("register member: %v", err)
	}

	outsider, err := st.CreateProfile(ctx, "eve", "")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	_, outsiderToken, err := auth.Register(ctx, "eve", "hunter2hunter2", outsider.ID)
	if err != nil {
		t.Fatalf("register outsider: %v", err)
	}

	server, err := svc.CreateServer(ctx, member.ID, "den", "")
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ch, err := svc.CreateChannel(ctx, member.ID, server.ID, "random", chat.ChannelText)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}

	gw := NewWSGateway(log, auth, svc, bc)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		srv:           srv,
		svc:           svc,
		serverID:      server.ID,
		channelID:     ch.ID,
		memberToken:   memberToken,
		memberProfile: member.ID,
		outsiderToken: outsiderToken,
	}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func mustDial(t *testing.T, f *gatewayFixture, token string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		t.Fatalf("subprotocol=%q want=%q", sp, v1.Subprotocol)
	}
	return conn
}

func mustSend(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func mustRecv(t *testing.T, conn *websocket.Conn, wantType string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read (want %s): %v", wantType, err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != wantType {
		t.Fatalf("type=%q want=%q payload=%s", env.Type, wantType, env.Payload)
	}
	return env
}

func assertNoFrame(t *testing.T, conn *websocket.Conn, within time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	if _, data, err := conn.Read(ctx); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func TestHandleWS_RejectsWithoutToken(t *testing.T) {
	f := newGatewayFixture(t)

	for name, url := range map[string]string{
		"missing": f.srv.URL,
		"invalid": f.srv.URL + "?access_token=bogus",
	} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s token: status=%d want=401", name, resp.StatusCode)
		}
	}
}

func TestHandleWS_OriginPolicy(t *testing.T) {
	f := newGatewayFixture(t)

	// Rebuild with the secure default: origin required, localhost only.
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "true")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	strict := httptest.NewServer(NewWSGateway(log, nil, f.svc, nil))
	defer strict.Close()

	cases := []struct {
		name   string
		origin string
		want   int
	}{
		{name: "missing origin", origin: "", want: http.StatusForbidden},
		{name: "disallowed origin", origin: "http://evil.example", want: http.StatusForbidden},
		// Allowed origin clears the origin gate and fails later on auth.
		{name: "allowed origin", origin: "http://localhost", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, strict.URL, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			resp, err := strict.Client().Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d want=%d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHandleWS_HandshakeAndPush(t *testing.T) {
	f := newGatewayFixture(t)
	conn := mustDial(t, f, f.memberToken)

	mustSend(t, conn, v1.TypeHello, nil)
	ack := mustRecv(t, conn, v1.TypeHelloAck)

	var hello v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &hello); err != nil || hello.SessionID == "" {
		t.Fatalf("hello_ack payload: %s (%v)", ack.Payload, err)
	}

	topic := chat.ChannelScope(f.channelID).MessagesTopic()
	mustSend(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic, Kind: "channel"})
	subAck := mustRecv(t, conn, v1.TypeSubscribeAck)

	var sp v1.SubscribeAckPayload
	if err := json.Unmarshal(subAck.Payload, &sp); err != nil || sp.Topic != topic {
		t.Fatalf("subscribe_ack payload: %s (%v)", subAck.Payload, err)
	}

	ctx := context.Background()
	created, err := f.svc.CreateChannelMessage(ctx, f.memberProfile, f.serverID, f.channelID, chat.MessageBody{Content: "hello push"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env := mustRecv(t, conn, v1.TypeMessageCreated)
	var mp v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &mp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if mp.Topic != topic {
		t.Fatalf("topic=%q want=%q", mp.Topic, topic)
	}
	var pushed chat.Message
	if err := json.Unmarshal(mp.Message, &pushed); err != nil {
		t.Fatalf("message: %v", err)
	}
	if pushed.ID != created.ID || pushed.Content != "hello push" {
		t.Fatalf("pushed: %+v", pushed)
	}

	// Edits arrive on the same subscription as message_updated.
	if _, err := f.svc.EditChannelMessage(ctx, f.memberProfile, f.serverID, f.channelID, created.ID, "hello v2"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	env = mustRecv(t, conn, v1.TypeMessageUpdated)
	if err := json.Unmarshal(env.Payload, &mp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := json.Unmarshal(mp.Message, &pushed); err != nil || pushed.Content != "hello v2" {
		t.Fatalf("edited push: %+v (%v)", pushed, err)
	}

	// Deletes broadcast the full tombstone, never a bare id.
	if _, err := f.svc.DeleteChannelMessage(ctx, f.memberProfile, f.serverID, f.channelID, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	env = mustRecv(t, conn, v1.TypeMessageUpdated)
	if err := json.Unmarshal(env.Payload, &mp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := json.Unmarshal(mp.Message, &pushed); err != nil {
		t.Fatalf("message: %v", err)
	}
	if !pushed.Deleted || pushed.Content != chat.DeletedPlaceholder {
		t.Fatalf("tombstone push: %+v", pushed)
	}
}

func TestHandleWS_SubscribeDeniedForOutsider(t *testing.T) {
	f := newGatewayFixture(t)
	conn := mustDial(t, f, f.outsiderToken)

	topic := chat.ChannelScope(f.channelID).MessagesTopic()
	mustSend(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic, Kind: "channel"})

	env := mustRecv(t, conn, v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil || ep.Code != "subscribe_failed" {
		t.Fatalf("error payload: %s (%v)", env.Payload, err)
	}

	// A denied subscription must not leak messages.
	if _, err := f.svc.CreateChannelMessage(context.Background(), f.memberProfile, f.serverID, f.channelID, chat.MessageBody{Content: "private"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	assertNoFrame(t, conn, 300*time.Millisecond)
}

func TestHandleWS_UnsubscribeStopsDelivery(t *testing.T) {
	f := newGatewayFixture(t)
	conn := mustDial(t, f, f.memberToken)

	topic := chat.ChannelScope(f.channelID).MessagesTopic()
	mustSend(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic, Kind: "channel"})
	mustRecv(t, conn, v1.TypeSubscribeAck)

	mustSend(t, conn, v1.TypeUnsubscribe, v1.UnsubscribePayload{Topic: topic, Kind: "channel"})

	// Unsubscribe carries no ack; give the server a beat to process it.
	time.Sleep(100 * time.Millisecond)

	if _, err := f.svc.CreateChannelMessage(context.Background(), f.memberProfile, f.serverID, f.channelID, chat.MessageBody{Content: "after unsubscribe"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	assertNoFrame(t, conn, 300*time.Millisecond)
}

func TestHandleWS_ProtocolErrors(t *testing.T) {
	f := newGatewayFixture(t)
	conn := mustDial(t, f, f.memberToken)

	cases := []struct {
		name     string
		env      v1.Envelope
		wantCode string
	}{
		{
			name:     "unsupported version",
			env:      v1.Envelope{V: "v9", Type: v1.TypeHello},
			wantCode: "bad_envelope",
		},
		{
			name:     "missing type",
			env:      v1.Envelope{V: v1.Version},
			wantCode: "bad_envelope",
		},
		{
			name:     "unknown type",
			env:      v1.Envelope{V: v1.Version, Type: "shrug"},
			wantCode: "bad_envelope",
		},
		{
			name:     "server-only type",
			env:      v1.Envelope{V: v1.Version, Type: v1.TypeMessageCreated},
			wantCode: "unsupported",
		},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.env)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.name, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			cancel()
			t.Fatalf("%s: write: %v", tc.name, err)
		}
		cancel()

		env := mustRecv(t, conn, v1.TypeError)
		var ep v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err != nil || ep.Code != tc.wantCode {
			t.Fatalf("%s: error payload: %s (%v)", tc.name, env.Payload, err)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer header", header: "Bearer tok-1", want: "tok-1"},
		{name: "bearer header trims", header: "Bearer   tok-1  ", want: "tok-1"},
		{name: "query fallback", query: "tok-2", want: "tok-2"},
		{name: "header wins over query", header: "Bearer tok-1", query: "tok-2", want: "tok-1"},
		{name: "malformed header yields nothing", header: "Basic abc", query: "tok-2", want: ""},
		{name: "empty", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			url := "http://example.test/ws"
			if tc.query != "" {
				url += "?access_token=" + tc.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := tokenFromRequest(r); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "https://App.Example.com:8443", want: "app.example.com"},
		{in: "localhost:3000", want: "localhost"},
		{in: "LOCALHOST", want: "localhost"},
		{in: "", want: ""},
		{in: "http://", want: ""},
	}
	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost", "http://127.0.0.1", "http://localhost:3000", "*", "",
	})
	want := []string{"127.0.0.1", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
