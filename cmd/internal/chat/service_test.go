package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestService(t *testing.T) (*Service, *fixture, *Broadcaster) {
	t.Helper()

	f := newFixture(t)
	bc := testBroadcaster()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(log, f.store, f.store, bc), f, bc
}

func TestCreateChannelMessage_PublishesCreated(t *testing.T) {
	t.Parallel()

	svc, f, bc := newTestService(t)
	ctx := context.Background()

	sub := NewSubscriber(f.guest.ID, "sess", 8)
	bc.Subscribe(f.channelSco, sub)

	msg, err := svc.CreateChannelMessage(ctx, f.owner.ID, f.server.ID, f.general.ID, MessageBody{Content: "  hello  "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Content != "hello" {
		t.Fatalf("content not trimmed: %q", msg.Content)
	}
	if msg.MemberID != f.adminMem.ID {
		t.Fatalf("author member=%q want=%q", msg.MemberID, f.adminMem.ID)
	}

	ev := recvEvent(t, sub)
	if ev.Kind != EventCreated || ev.Message.ID != msg.ID {
		t.Fatalf("published event: %+v", ev)
	}
	if ev.Topic() != f.channelSco.MessagesTopic() {
		t.Fatalf("topic=%q", ev.Topic())
	}
}

func TestCreateChannelMessage_RequiresMembership(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	outsider, err := f.store.CreateProfile(ctx, "eve", "")
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}

	_, err = svc.CreateChannelMessage(ctx, outsider.ID, f.server.ID, f.general.ID, MessageBody{Content: "hi"})
	if !IsNotFound(err) {
		t.Fatalf("outsider create: got %v want not found", err)
	}

	_, err = svc.CreateChannelMessage(ctx, "", f.server.ID, f.general.ID, MessageBody{Content: "hi"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("anonymous create: got %v want unauthenticated", err)
	}
}

func TestEditChannelMessage_AuthorOnly(t *testing.T) {
	t.Parallel()

	svc, f, bc := newTestService(t)
	ctx := context.Background()

	msg, err := svc.CreateChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, MessageBody{Content: "original"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Even an ADMIN may not edit someone else's message.
	_, err = svc.EditChannelMessage(ctx, f.owner.ID, f.server.ID, f.general.ID, msg.ID, "hijacked")
	if !IsForbidden(err) {
		t.Fatalf("admin edit of other's message: got %v want forbidden", err)
	}

	sub := NewSubscriber(f.owner.ID, "sess", 8)
	bc.Subscribe(f.channelSco, sub)

	edited, err := svc.EditChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, msg.ID, "fixed")
	if err != nil {
		t.Fatalf("author edit: %v", err)
	}
	if edited.Content != "fixed" {
		t.Fatalf("content=%q", edited.Content)
	}

	ev := recvEvent(t, sub)
	if ev.Kind != EventUpdated || ev.Message.Deleted {
		t.Fatalf("edit event: %+v", ev)
	}
	if ev.Topic() != f.channelSco.UpdatesTopic() {
		t.Fatalf("edit topic=%q", ev.Topic())
	}
}

func TestEditChannelMessage_Validation(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	msg, err := svc.CreateChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, MessageBody{Content: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.EditChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, msg.ID, "   "); !IsInvalidInput(err) {
		t.Fatalf("blank content: got %v want invalid input", err)
	}

	long := strings.Repeat("a", maxMessageChars+1)
	if _, err := svc.EditChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, msg.ID, long); !IsInvalidInput(err) {
		t.Fatalf("oversized content: got %v want invalid input", err)
	}

	if _, err := svc.EditChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, "", "x"); !IsInvalidInput(err) {
		t.Fatalf("missing id: got %v want invalid input", err)
	}
}

func TestDeleteChannelMessage_AuthorOrModerator(t *testing.T) {
	t.Parallel()

	svc, f, bc := newTestService(t)
	ctx := context.Background()

	second, err := f.store.CreateProfile(ctx, "carol", "")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if _, err := f.store.AddMember(ctx, f.server.ID, second.ID, RoleGuest); err != nil {
		t.Fatalf("add member: %v", err)
	}

	msg, err := svc.CreateChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, MessageBody{Content: "target"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another guest is neither author nor moderator.
	if _, err := svc.DeleteChannelMessage(ctx, second.ID, f.server.ID, f.general.ID, msg.ID); !IsForbidden(err) {
		t.Fatalf("guest delete of other's message: got %v want forbidden", err)
	}

	sub := NewSubscriber(f.guest.ID, "sess", 8)
	bc.Subscribe(f.channelSco, sub)

	// The server ADMIN may moderate.
	deleted, err := svc.DeleteChannelMessage(ctx, f.owner.ID, f.server.ID, f.general.ID, msg.ID)
	if err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if !deleted.Deleted || deleted.Content != DeletedPlaceholder {
		t.Fatalf("tombstone: %+v", deleted)
	}

	ev := recvEvent(t, sub)
	if ev.Kind != EventUpdated || !ev.Message.Deleted {
		t.Fatalf("delete event: %+v", ev)
	}

	// Terminal: a second delete reports NotFound.
	if _, err := svc.DeleteChannelMessage(ctx, f.owner.ID, f.server.ID, f.general.ID, msg.ID); !IsNotFound(err) {
		t.Fatalf("double delete: got %v want not found", err)
	}
	// And the author cannot edit the tombstone.
	if _, err := svc.EditChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, msg.ID, "back"); !IsNotFound(err) {
		t.Fatalf("edit tombstone: got %v want not found", err)
	}
}

func TestDirectMessages_ParticipantsOnly(t *testing.T) {
	t.Parallel()

	svc, f, bc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenConversation(ctx, f.owner.ID, f.server.ID, f.guestMem.ID)
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}

	scope := ConversationScope(conv.ID)
	sub := NewSubscriber(f.guest.ID, "sess", 8)
	bc.Subscribe(scope, sub)

	msg, err := svc.CreateDirectMessage(ctx, f.owner.ID, conv.ID, MessageBody{Content: "psst"})
	if err != nil {
		t.Fatalf("dm create: %v", err)
	}
	if msg.ConversationID != conv.ID || msg.ChannelID != "" {
		t.Fatalf("dm scope fields: %+v", msg)
	}
	recvEvent(t, sub)

	outsider, err := f.store.CreateProfile(ctx, "eve", "")
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	if _, err := svc.CreateDirectMessage(ctx, outsider.ID, conv.ID, MessageBody{Content: "intrude"}); !IsNotFound(err) {
		t.Fatalf("outsider dm: got %v want not found", err)
	}
}

func TestOpenConversation(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	conv1, err := svc.OpenConversation(ctx, f.owner.ID, f.server.ID, f.guestMem.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conv2, err := svc.OpenConversation(ctx, f.guest.ID, f.server.ID, f.adminMem.ID)
	if err != nil {
		t.Fatalf("open reversed: %v", err)
	}
	if conv1.ID != conv2.ID {
		t.Fatalf("both directions must resolve the same conversation")
	}

	if _, err := svc.OpenConversation(ctx, f.owner.ID, f.server.ID, f.adminMem.ID); !IsInvalidInput(err) {
		t.Fatalf("self conversation: got %v want invalid input", err)
	}
}

func TestChannelLifecycle_RolesAndGeneral(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	// Guests cannot manage channels.
	if _, err := svc.CreateChannel(ctx, f.guest.ID, f.server.ID, "random", ChannelText); !IsForbidden(err) {
		t.Fatalf("guest create channel: got %v want forbidden", err)
	}

	ch, err := svc.CreateChannel(ctx, f.owner.ID, f.server.ID, "random", ChannelText)
	if err != nil {
		t.Fatalf("admin create channel: %v", err)
	}

	// The general name is reserved in any case form.
	for _, name := range []string{"general", "GENERAL", " General "} {
		if _, err := svc.CreateChannel(ctx, f.owner.ID, f.server.ID, name, ChannelText); !IsInvalidInput(err) {
			t.Fatalf("reserved name %q: got %v want invalid input", name, err)
		}
	}
	if _, err := svc.RenameChannel(ctx, f.owner.ID, f.server.ID, ch.ID, "general"); !IsInvalidInput(err) {
		t.Fatalf("rename to general: got %v want invalid input", err)
	}

	// The general channel itself is immutable.
	if _, err := svc.RenameChannel(ctx, f.owner.ID, f.server.ID, f.general.ID, "lobby"); !IsForbidden(err) {
		t.Fatalf("rename general: got %v want forbidden", err)
	}
	if err := svc.DeleteChannel(ctx, f.owner.ID, f.server.ID, f.general.ID); !IsForbidden(err) {
		t.Fatalf("delete general: got %v want forbidden", err)
	}

	if err := svc.DeleteChannel(ctx, f.owner.ID, f.server.ID, ch.ID); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
}

func TestJoinByInvite(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	joiner, err := f.store.CreateProfile(ctx, "dan", "")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}

	srv, err := svc.JoinByInvite(ctx, joiner.ID, f.server.InviteCode)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if srv.ID != f.server.ID {
		t.Fatalf("joined wrong server: %s", srv.ID)
	}

	mem, err := f.store.ServerMember(ctx, f.server.ID, joiner.ID)
	if err != nil {
		t.Fatalf("membership after join: %v", err)
	}
	if mem.Role != RoleGuest {
		t.Fatalf("joined role=%q want GUEST", mem.Role)
	}

	if _, err := svc.JoinByInvite(ctx, joiner.ID, "bogus"); !IsNotFound(err) {
		t.Fatalf("bogus invite: got %v want not found", err)
	}
	if _, err := svc.JoinByInvite(ctx, joiner.ID, ""); !IsInvalidInput(err) {
		t.Fatalf("empty invite: got %v want invalid input", err)
	}
}

func TestCanSubscribe(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	outsider, err := f.store.CreateProfile(ctx, "eve", "")
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	conv, err := svc.OpenConversation(ctx, f.owner.ID, f.server.ID, f.guestMem.ID)
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}

	cases := []struct {
		name      string
		profileID string
		scope     Scope
		want      bool
	}{
		{name: "member on channel", profileID: f.guest.ID, scope: f.channelSco, want: true},
		{name: "outsider on channel", profileID: outsider.ID, scope: f.channelSco, want: false},
		{name: "anonymous on channel", profileID: "", scope: f.channelSco, want: false},
		{name: "unknown channel", profileID: f.guest.ID, scope: ChannelScope("nope"), want: false},
		{name: "participant on conversation", profileID: f.owner.ID, scope: ConversationScope(conv.ID), want: true},
		{name: "outsider on conversation", profileID: outsider.ID, scope: ConversationScope(conv.ID), want: false},
		{name: "unknown conversation", profileID: f.owner.ID, scope: ConversationScope("nope"), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := svc.CanSubscribe(ctx, tc.profileID, tc.scope)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("CanSubscribe=%v want=%v", got, tc.want)
			}
		})
	}

	if _, err := svc.CanSubscribe(ctx, f.guest.ID, Scope{}); !IsInvalidInput(err) {
		t.Fatalf("invalid scope: got %v want invalid input", err)
	}
}

func TestUpdateServer_OwnerOnly(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	// Guests and even non-owner admins may not reshape the server.
	if _, err := svc.UpdateServer(ctx, f.guest.ID, f.server.ID, "coup", ""); !IsForbidden(err) {
		t.Fatalf("guest update: got %v want forbidden", err)
	}
	if _, err := svc.UpdateServer(ctx, "", f.server.ID, "x", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("anonymous update: got %v want unauthenticated", err)
	}

	srv, err := svc.UpdateServer(ctx, f.owner.ID, f.server.ID, " den v2 ", "https://cdn.example/den.png")
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if srv.Name != "den v2" || srv.ImageURL != "https://cdn.example/den.png" {
		t.Fatalf("updated server: %+v", srv)
	}
	if srv.InviteCode != f.server.InviteCode {
		t.Fatalf("update must not rotate the invite code")
	}

	if _, err := svc.UpdateServer(ctx, f.owner.ID, f.server.ID, "  ", ""); !IsInvalidInput(err) {
		t.Fatalf("blank name: got %v want invalid input", err)
	}
}

func TestDeleteServer_OwnerOnly(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.DeleteServer(ctx, f.guest.ID, f.server.ID); !IsForbidden(err) {
		t.Fatalf("guest delete: got %v want forbidden", err)
	}

	if err := svc.DeleteServer(ctx, f.owner.ID, f.server.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}

	// Everything in the server is gone with it.
	if _, err := f.store.ServerByID(ctx, f.server.ID); !IsNotFound(err) {
		t.Fatalf("server survived: %v", err)
	}
	if _, err := f.store.ServerMember(ctx, f.server.ID, f.guest.ID); !IsNotFound(err) {
		t.Fatalf("membership survived: %v", err)
	}
	if _, err := f.store.Channel(ctx, f.general.ID, f.server.ID); !IsNotFound(err) {
		t.Fatalf("channel survived: %v", err)
	}
}

func TestLeaveServer(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	// The owner deletes; they do not leave.
	if err := svc.LeaveServer(ctx, f.owner.ID, f.server.ID); !IsForbidden(err) {
		t.Fatalf("owner leave: got %v want forbidden", err)
	}

	outsider, err := f.store.CreateProfile(ctx, "eve", "")
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	if err := svc.LeaveServer(ctx, outsider.ID, f.server.ID); !IsNotFound(err) {
		t.Fatalf("outsider leave: got %v want not found", err)
	}

	if err := svc.LeaveServer(ctx, f.guest.ID, f.server.ID); err != nil {
		t.Fatalf("guest leave: %v", err)
	}
	if _, err := f.store.ServerMember(ctx, f.server.ID, f.guest.ID); !IsNotFound(err) {
		t.Fatalf("membership survived leave: %v", err)
	}
}

func TestUpdateMemberRole(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	// Only admins assign roles.
	if _, err := svc.UpdateMemberRole(ctx, f.guest.ID, f.server.ID, f.adminMem.ID, RoleGuest); !IsForbidden(err) {
		t.Fatalf("guest promote: got %v want forbidden", err)
	}

	promoted, err := svc.UpdateMemberRole(ctx, f.owner.ID, f.server.ID, f.guestMem.ID, RoleModerator)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Role != RoleModerator || promoted.Profile.ID != f.guest.ID {
		t.Fatalf("promoted member: %+v", promoted)
	}

	// A fresh moderator still cannot assign roles.
	if _, err := svc.UpdateMemberRole(ctx, f.guest.ID, f.server.ID, f.guestMem.ID, RoleGuest); !IsForbidden(err) {
		t.Fatalf("moderator promote: got %v want forbidden", err)
	}

	if _, err := svc.UpdateMemberRole(ctx, f.owner.ID, f.server.ID, f.adminMem.ID, RoleGuest); !IsInvalidInput(err) {
		t.Fatalf("self demote: got %v want invalid input", err)
	}
	if _, err := svc.UpdateMemberRole(ctx, f.owner.ID, f.server.ID, f.guestMem.ID, Role("OWNER")); !IsInvalidInput(err) {
		t.Fatalf("bogus role: got %v want invalid input", err)
	}
	if _, err := svc.UpdateMemberRole(ctx, f.owner.ID, f.server.ID, "nope", RoleGuest); !IsNotFound(err) {
		t.Fatalf("unknown member: got %v want not found", err)
	}
}

func TestKickMember(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.KickMember(ctx, f.guest.ID, f.server.ID, f.adminMem.ID); !IsForbidden(err) {
		t.Fatalf("guest kick: got %v want forbidden", err)
	}
	if err := svc.KickMember(ctx, f.owner.ID, f.server.ID, f.adminMem.ID); !IsInvalidInput(err) {
		t.Fatalf("self kick: got %v want invalid input", err)
	}

	// Give the guest a message so the kick's cascade is observable.
	msg, err := svc.CreateChannelMessage(ctx, f.guest.ID, f.server.ID, f.general.ID, MessageBody{Content: "bye"})
	if err != nil {
		t.Fatalf("guest message: %v", err)
	}

	if err := svc.KickMember(ctx, f.owner.ID, f.server.ID, f.guestMem.ID); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if _, err := f.store.ServerMember(ctx, f.server.ID, f.guest.ID); !IsNotFound(err) {
		t.Fatalf("membership survived kick: %v", err)
	}
	if _, err := f.store.GetMessage(ctx, msg.ID, f.channelSco); !IsNotFound(err) {
		t.Fatalf("kicked member's message survived: %v", err)
	}

	// A second admin still cannot kick the owner.
	second, err := f.store.CreateProfile(ctx, "carol", "")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if _, err := f.store.AddMember(ctx, f.server.ID, second.ID, RoleAdmin); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	if err := svc.KickMember(ctx, second.ID, f.server.ID, f.adminMem.ID); !IsForbidden(err) {
		t.Fatalf("kick owner: got %v want forbidden", err)
	}
}

func TestRotateInviteCode_MembersOnly(t *testing.T) {
	t.Parallel()

	svc, f, _ := newTestService(t)
	ctx := context.Background()

	outsider, err := f.store.CreateProfile(ctx, "eve", "")
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	if _, err := svc.RotateInviteCode(ctx, outsider.ID, f.server.ID); !IsNotFound(err) {
		t.Fatalf("outsider rotate: got %v want not found", err)
	}

	rotated, err := svc.RotateInviteCode(ctx, f.guest.ID, f.server.ID)
	if err != nil {
		t.Fatalf("member rotate: %v", err)
	}
	if rotated.InviteCode == f.server.InviteCode {
		t.Fatalf("invite code unchanged")
	}
}
