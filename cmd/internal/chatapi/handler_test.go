package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := chat.NewInMemoryStore()
	svc := chat.NewService(log, st, st, chat.NewBroadcaster(log, nil))
	pager := chat.NewPager(st, 3)
	auth := identity.NewService(log, identity.NewInMemoryStore(), time.Hour)

	r := mux.NewRouter()
	NewHandler(log, svc, pager, st, auth).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type testUser struct {
	Token   string
	Profile chat.Profile
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any, wantStatus int, out any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, srv.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
}

func errCode(t *testing.T, srv *httptest.Server, method, path, token string, body any, wantStatus int) string {
	t.Helper()

	var resp errorResponse
	call(t, srv, method, path, token, body, wantStatus, &resp)
	return resp.Error.Code
}

func mustRegister(t *testing.T, srv *httptest.Server, username string) testUser {
	t.Helper()

	var resp authResponse
	call(t, srv, http.MethodPost, "/auth/register", "", registerRequest{
		Username: username,
		Password: "hunter2hunter2",
	}, http.StatusCreated, &resp)

	if resp.Token == "" || resp.Profile.ID == "" {
		t.Fatalf("register %q: incomplete response %+v", username, resp)
	}
	return testUser{Token: resp.Token, Profile: resp.Profile}
}

func mustCreateServer(t *testing.T, srv *httptest.Server, u testUser, name string) chat.Server {
	t.Helper()

	var out chat.Server
	call(t, srv, http.MethodPost, "/api/servers", u.Token, createServerRequest{Name: name}, http.StatusCreated, &out)
	if out.ID == "" || out.InviteCode == "" {
		t.Fatalf("create server: %+v", out)
	}
	return out
}

func mustCreateChannel(t *testing.T, srv *httptest.Server, u testUser, serverID, name string) chat.Channel {
	t.Helper()

	var out chat.Channel
	call(t, srv, http.MethodPost, "/api/channels?serverID="+serverID, u.Token, createChannelRequest{Name: name}, http.StatusCreated, &out)
	return out
}

func msgPath(serverID, channelID, messageID string) string {
	p := "/api/socket/messages"
	if messageID != "" {
		p += "/" + messageID
	}
	return fmt.Sprintf("%s?serverID=%s&channelID=%s", p, serverID, channelID)
}

func TestAuthEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")

	// Login is case-insensitive and mints a fresh token.
	var login authResponse
	call(t, srv, http.MethodPost, "/auth/login", "", loginRequest{Username: "ALICE", Password: "hunter2hunter2"}, http.StatusOK, &login)
	if login.Token == "" || login.Token == alice.Token {
		t.Fatalf("login token: %q", login.Token)
	}
	if login.Profile.ID != alice.Profile.ID {
		t.Fatalf("login profile mismatch: %+v", login.Profile)
	}

	if code := errCode(t, srv, http.MethodPost, "/auth/login", "", loginRequest{Username: "alice", Password: "wrong-password"}, http.StatusUnauthorized); code != "unauthorized" {
		t.Fatalf("bad password code=%q", code)
	}
	if code := errCode(t, srv, http.MethodPost, "/auth/register", "", registerRequest{Username: "alice", Password: "hunter2hunter2"}, http.StatusConflict); code != "conflict" {
		t.Fatalf("duplicate username code=%q", code)
	}
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	if code := errCode(t, srv, http.MethodGet, "/api/messages?channelID=x", "", nil, http.StatusUnauthorized); code != "unauthorized" {
		t.Fatalf("missing token code=%q", code)
	}
	if code := errCode(t, srv, http.MethodGet, "/api/messages?channelID=x", "bogus-token", nil, http.StatusUnauthorized); code != "unauthorized" {
		t.Fatalf("bad token code=%q", code)
	}
}

func TestChannelMessageLifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	server := mustCreateServer(t, srv, alice, "den")
	ch := mustCreateChannel(t, srv, alice, server.ID, "random")

	var created chat.Message
	call(t, srv, http.MethodPost, msgPath(server.ID, ch.ID, ""), alice.Token, messageRequest{Content: "hello"}, http.StatusCreated, &created)
	if created.ID == "" || created.Content != "hello" {
		t.Fatalf("created: %+v", created)
	}
	if created.Member.Profile.ID != alice.Profile.ID {
		t.Fatalf("author not joined: %+v", created.Member)
	}

	var edited chat.Message
	call(t, srv, http.MethodPatch, msgPath(server.ID, ch.ID, created.ID), alice.Token, editMessageRequest{Content: "hello v2"}, http.StatusOK, &edited)
	if edited.Content != "hello v2" || !edited.UpdatedAt.After(edited.CreatedAt) {
		t.Fatalf("edited: %+v", edited)
	}

	var deleted chat.Message
	call(t, srv, http.MethodDelete, msgPath(server.ID, ch.ID, created.ID), alice.Token, nil, http.StatusOK, &deleted)
	if !deleted.Deleted || deleted.Content == "hello v2" {
		t.Fatalf("deleted: %+v", deleted)
	}

	// Deletion is terminal: both edit and re-delete see a missing row.
	if code := errCode(t, srv, http.MethodPatch, msgPath(server.ID, ch.ID, created.ID), alice.Token, editMessageRequest{Content: "x"}, http.StatusNotFound); code != "not_found" {
		t.Fatalf("edit tombstone code=%q", code)
	}
	errCode(t, srv, http.MethodDelete, msgPath(server.ID, ch.ID, created.ID), alice.Token, nil, http.StatusNotFound)

	// The tombstone keeps its slot in history.
	var page chat.Page
	call(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID, alice.Token, nil, http.StatusOK, &page)
	if len(page.Items) != 1 || !page.Items[0].Deleted {
		t.Fatalf("history after delete: %+v", page)
	}
}

func TestHistoryPagination(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	server := mustCreateServer(t, srv, alice, "den")
	ch := mustCreateChannel(t, srv, alice, server.ID, "random")

	for i := 0; i < 4; i++ {
		call(t, srv, http.MethodPost, msgPath(server.ID, ch.ID, ""), alice.Token, messageRequest{Content: fmt.Sprintf("m%d", i)}, http.StatusCreated, nil)
	}

	var first chat.Page
	call(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID, alice.Token, nil, http.StatusOK, &first)
	if len(first.Items) != 3 || first.NextCursor == "" {
		t.Fatalf("first page: items=%d cursor=%q", len(first.Items), first.NextCursor)
	}
	if first.Items[0].Content != "m3" {
		t.Fatalf("order: %+v", first.Items[0])
	}

	var second chat.Page
	call(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID+"&cursor="+first.NextCursor, alice.Token, nil, http.StatusOK, &second)
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("second page: items=%d cursor=%q", len(second.Items), second.NextCursor)
	}
	if second.Items[0].Content != "m0" {
		t.Fatalf("oldest: %+v", second.Items[0])
	}

	if code := errCode(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID+"&cursor=garbage", alice.Token, nil, http.StatusNotFound); code != "not_found" {
		t.Fatalf("bad cursor code=%q", code)
	}
}

func TestHistoryRequiresMembership(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	bob := mustRegister(t, srv, "bob")
	server := mustCreateServer(t, srv, alice, "den")
	ch := mustCreateChannel(t, srv, alice, server.ID, "random")

	if code := errCode(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID, bob.Token, nil, http.StatusForbidden); code != "forbidden" {
		t.Fatalf("outsider read code=%q", code)
	}

	// Membership via invite opens the channel.
	call(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusOK, nil)
	call(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID, bob.Token, nil, http.StatusOK, nil)
}

func TestWritePermissions(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	bob := mustRegister(t, srv, "bob")
	server := mustCreateServer(t, srv, alice, "den")
	ch := mustCreateChannel(t, srv, alice, server.ID, "random")

	call(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusOK, nil)

	var msg chat.Message
	call(t, srv, http.MethodPost, msgPath(server.ID, ch.ID, ""), bob.Token, messageRequest{Content: "from bob"}, http.StatusCreated, &msg)

	// A guest cannot touch another member's message; the admin can delete it.
	errCode(t, srv, http.MethodPatch, msgPath(server.ID, ch.ID, msg.ID), alice.Token, editMessageRequest{Content: "x"}, http.StatusForbidden)
	if code := errCode(t, srv, http.MethodPatch, msgPath(server.ID, ch.ID, msg.ID), bob.Token, editMessageRequest{Content: ""}, http.StatusBadRequest); code != "bad_request" {
		t.Fatalf("blank edit code=%q", code)
	}

	var deleted chat.Message
	call(t, srv, http.MethodDelete, msgPath(server.ID, ch.ID, msg.ID), alice.Token, nil, http.StatusOK, &deleted)
	if !deleted.Deleted {
		t.Fatalf("moderator delete: %+v", deleted)
	}
}

func TestDirectMessages(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	bob := mustRegister(t, srv, "bob")
	eve := mustRegister(t, srv, "eve")

	server := mustCreateServer(t, srv, alice, "den")
	call(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusOK, nil)

	// Alice opens a conversation with bob's member on the shared server.
	var bobMsg chat.Message
	ch := mustCreateChannel(t, srv, alice, server.ID, "random")
	call(t, srv, http.MethodPost, msgPath(server.ID, ch.ID, ""), bob.Token, messageRequest{Content: "hi"}, http.StatusCreated, &bobMsg)

	var conv chat.Conversation
	call(t, srv, http.MethodPost, "/api/conversations", alice.Token, openConversationRequest{
		ServerID:       server.ID,
		TargetMemberID: bobMsg.MemberID,
	}, http.StatusOK, &conv)
	if conv.ID == "" {
		t.Fatalf("conversation: %+v", conv)
	}

	dmPath := "/api/socket/directMessages?conversationID=" + conv.ID
	var dm chat.Message
	call(t, srv, http.MethodPost, dmPath, alice.Token, messageRequest{Content: "psst"}, http.StatusCreated, &dm)

	var page chat.Page
	call(t, srv, http.MethodGet, "/api/directMessages?conversationID="+conv.ID, bob.Token, nil, http.StatusOK, &page)
	if len(page.Items) != 1 || page.Items[0].Content != "psst" {
		t.Fatalf("bob's view: %+v", page)
	}

	// Outsiders see neither the history nor the write path.
	errCode(t, srv, http.MethodGet, "/api/directMessages?conversationID="+conv.ID, eve.Token, nil, http.StatusForbidden)
	errCode(t, srv, http.MethodPost, dmPath, eve.Token, messageRequest{Content: "eavesdrop"}, http.StatusNotFound)
}

func TestServerAndChannelAdmin(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	bob := mustRegister(t, srv, "bob")
	server := mustCreateServer(t, srv, alice, "den")

	// Reserved channel name.
	if code := errCode(t, srv, http.MethodPost, "/api/channels?serverID="+server.ID, alice.Token, createChannelRequest{Name: "general"}, http.StatusBadRequest); code != "bad_request" {
		t.Fatalf("reserved name code=%q", code)
	}

	ch := mustCreateChannel(t, srv, alice, server.ID, "random")

	call(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusOK, nil)

	// Guests cannot manage channels.
	errCode(t, srv, http.MethodPatch, "/api/channels/"+ch.ID+"?serverID="+server.ID, bob.Token, renameChannelRequest{Name: "renamed"}, http.StatusForbidden)

	var renamed chat.Channel
	call(t, srv, http.MethodPatch, "/api/channels/"+ch.ID+"?serverID="+server.ID, alice.Token, renameChannelRequest{Name: "renamed"}, http.StatusOK, &renamed)
	if renamed.Name != "renamed" {
		t.Fatalf("rename: %+v", renamed)
	}

	call(t, srv, http.MethodDelete, "/api/channels/"+ch.ID+"?serverID="+server.ID, alice.Token, nil, http.StatusNoContent, nil)

	// Invite rotation invalidates the old code.
	var rotated chat.Server
	call(t, srv, http.MethodPatch, "/api/servers/"+server.ID+"/invite", alice.Token, nil, http.StatusOK, &rotated)
	if rotated.InviteCode == "" || rotated.InviteCode == server.InviteCode {
		t.Fatalf("rotate: %q", rotated.InviteCode)
	}
	eve := mustRegister(t, srv, "eve")
	errCode(t, srv, http.MethodPost, "/api/servers/join", eve.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusNotFound)
}

func TestServerAdministrationRoutes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	bob := mustRegister(t, srv, "bob")
	server := mustCreateServer(t, srv, alice, "den")
	call(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusOK, nil)

	serverPath := "/api/servers/" + server.ID

	// Only the owner reshapes the server.
	errCode(t, srv, http.MethodPatch, serverPath, bob.Token, updateServerRequest{Name: "coup"}, http.StatusForbidden)

	var updated chat.Server
	call(t, srv, http.MethodPatch, serverPath, alice.Token, updateServerRequest{Name: "den v2"}, http.StatusOK, &updated)
	if updated.Name != "den v2" || updated.InviteCode != server.InviteCode {
		t.Fatalf("update: %+v", updated)
	}

	// The owner cannot leave; a member can.
	errCode(t, srv, http.MethodPatch, serverPath+"/leave", alice.Token, nil, http.StatusForbidden)
	call(t, srv, http.MethodPatch, serverPath+"/leave", bob.Token, nil, http.StatusNoContent, nil)
	errCode(t, srv, http.MethodPatch, serverPath+"/leave", bob.Token, nil, http.StatusNotFound)

	// Only the owner deletes; the invite dies with the server.
	errCode(t, srv, http.MethodDelete, serverPath, bob.Token, nil, http.StatusForbidden)
	call(t, srv, http.MethodDelete, serverPath, alice.Token, nil, http.StatusNoContent, nil)
	errCode(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusNotFound)
}

func TestMemberAdministrationRoutes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	bob := mustRegister(t, srv, "bob")
	server := mustCreateServer(t, srv, alice, "den")
	ch := mustCreateChannel(t, srv, alice, server.ID, "random")
	call(t, srv, http.MethodPost, "/api/servers/join", bob.Token, joinServerRequest{InviteCode: server.InviteCode}, http.StatusOK, nil)

	// Bob's post reveals his member id for administration calls.
	var bobMsg chat.Message
	call(t, srv, http.MethodPost, msgPath(server.ID, ch.ID, ""), bob.Token, messageRequest{Content: "hi"}, http.StatusCreated, &bobMsg)
	memberPath := "/api/members/" + bobMsg.MemberID + "?serverID=" + server.ID

	// Guests cannot assign roles.
	errCode(t, srv, http.MethodPatch, memberPath, bob.Token, updateMemberRoleRequest{Role: "MODERATOR"}, http.StatusForbidden)

	var promoted chat.Member
	call(t, srv, http.MethodPatch, memberPath, alice.Token, updateMemberRoleRequest{Role: "MODERATOR"}, http.StatusOK, &promoted)
	if promoted.Role != chat.RoleModerator || promoted.Profile.ID != bob.Profile.ID {
		t.Fatalf("promoted: %+v", promoted)
	}

	if code := errCode(t, srv, http.MethodPatch, memberPath, alice.Token, updateMemberRoleRequest{Role: "OWNER"}, http.StatusBadRequest); code != "bad_request" {
		t.Fatalf("bogus role code=%q", code)
	}
	errCode(t, srv, http.MethodPatch, "/api/members/"+bobMsg.MemberID, alice.Token, updateMemberRoleRequest{Role: "GUEST"}, http.StatusBadRequest)

	// A moderator still cannot kick; the admin can, and the kicked member's
	// messages disappear from history.
	errCode(t, srv, http.MethodDelete, memberPath, bob.Token, nil, http.StatusForbidden)
	call(t, srv, http.MethodDelete, memberPath, alice.Token, nil, http.StatusNoContent, nil)

	var page chat.Page
	call(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID, alice.Token, nil, http.StatusOK, &page)
	for _, m := range page.Items {
		if m.ID == bobMsg.ID {
			t.Fatalf("kicked member's message survived: %+v", m)
		}
	}
	errCode(t, srv, http.MethodGet, "/api/messages?channelID="+ch.ID, bob.Token, nil, http.StatusForbidden)
}

// captureDirectory records the profile ids flowing through profile writes.
type captureDirectory struct {
	chat.Directory

	mu      sync.Mutex
	created []string
}

func (d *captureDirectory) CreateProfile(ctx context.Context, name, imageURL string) (chat.Profile, error) {
	p, err := d.Directory.CreateProfile(ctx, name, imageURL)
	if err == nil {
		d.mu.Lock()
		d.created = append(d.created, p.ID)
		d.mu.Unlock()
	}
	return p, err
}

func (d *captureDirectory) createdIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.created...)
}

func TestRegisterConflictLeavesNoOrphanProfile(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := chat.NewInMemoryStore()
	dir := &captureDirectory{Directory: st}
	svc := chat.NewService(log, st, dir, chat.NewBroadcaster(log, nil))
	pager := chat.NewPager(st, 3)
	auth := identity.NewService(log, identity.NewInMemoryStore(), time.Hour)

	r := mux.NewRouter()
	NewHandler(log, svc, pager, dir, auth).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	mustRegister(t, srv, "alice")
	errCode(t, srv, http.MethodPost, "/auth/register", "", registerRequest{
		Username: "alice",
		Password: "hunter2hunter2",
	}, http.StatusConflict)

	ids := dir.createdIDs()
	if len(ids) != 2 {
		t.Fatalf("profiles created: %d want 2", len(ids))
	}
	// The first profile is bound to alice's account and stays.
	if _, err := st.ProfileByID(context.Background(), ids[0]); err != nil {
		t.Fatalf("bound profile: %v", err)
	}
	// The second was rolled back with the rejected registration.
	if _, err := st.ProfileByID(context.Background(), ids[1]); !chat.IsNotFound(err) {
		t.Fatalf("rejected registration left a profile: %v", err)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	alice := mustRegister(t, srv, "alice")
	server := mustCreateServer(t, srv, alice, "den")

	cases := []struct {
		name   string
		method string
		path   string
	}{
		{name: "missing channelID", method: http.MethodGet, path: "/api/messages"},
		{name: "missing conversationID", method: http.MethodGet, path: "/api/directMessages"},
		{name: "missing scope params", method: http.MethodPost, path: "/api/socket/messages?serverID=" + server.ID},
		{name: "missing serverID", method: http.MethodPost, path: "/api/channels"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body any
			if tc.method == http.MethodPost {
				body = map[string]string{}
			}
			if code := errCode(t, srv, tc.method, tc.path, alice.Token, body, http.StatusBadRequest); code != "bad_request" {
				t.Fatalf("code=%q", code)
			}
		})
	}

	// Malformed JSON bodies are rejected before hitting the service.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/servers", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON status=%d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var resp errorResponse
	call(t, srv, http.MethodPut, "/auth/register", "", registerRequest{}, http.StatusMethodNotAllowed, &resp)
	if resp.Error.Code != "method_not_allowed" {
		t.Fatalf("code=%q", resp.Error.Code)
	}
}
