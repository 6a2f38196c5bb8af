package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Max message text length (runes), aligned with the websocket frame limit.
const maxMessageChars = 4000

// MessageBody is the caller-supplied part of a message write.
type MessageBody struct {
	Content  string
	FileURL  string
	FileType string
}

// Service is the message write path: every write authenticates, resolves
// scope and membership, authorizes, mutates through the store, then notifies
// the broadcaster. The response object and the published object are the same
// message.
//
// A failed publish never rolls back the persisted mutation: the store is the
// single source of truth and broadcast is fire-and-forget.
type Service struct {
	log   *slog.Logger
	store MessageStore
	dir   Directory
	bc    *Broadcaster
}

// NewService constructs the write path service.
func NewService(log *slog.Logger, store MessageStore, dir Directory, bc *Broadcaster) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, store: store, dir: dir, bc: bc}
}

// ---- channel-scoped writes ----

// CreateChannelMessage posts a message to a channel. Any member of the
// owning server may create.
func (s *Service) CreateChannelMessage(ctx context.Context, profileID, serverID, channelID string, body MessageBody) (Message, error) {
	member, ch, err := s.resolveChannelMember(ctx, profileID, serverID, channelID)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.store.CreateMessage(ctx, CreateMessageInput{
		Scope:    ChannelScope(ch.ID),
		MemberID: member.ID,
		Content:  strings.TrimSpace(body.Content),
		FileURL:  strings.TrimSpace(body.FileURL),
		FileType: strings.TrimSpace(body.FileType),
		Now:      time.Now().UTC(),
	})
	if err != nil {
		return Message{}, err
	}

	s.publish(Event{Kind: EventCreated, Scope: msg.Scope(), Message: msg})
	return msg, nil
}

// EditChannelMessage replaces a message's content. Only the authoring
// member may edit; role does not override this.
func (s *Service) EditChannelMessage(ctx context.Context, profileID, serverID, channelID, messageID, content string) (Message, error) {
	member, ch, err := s.resolveChannelMember(ctx, profileID, serverID, channelID)
	if err != nil {
		return Message{}, err
	}
	return s.edit(ctx, member, ChannelScope(ch.ID), messageID, content)
}

// DeleteChannelMessage soft-deletes a message. The authoring member, or a
// MODERATOR/ADMIN of the server, may delete.
func (s *Service) DeleteChannelMessage(ctx context.Context, profileID, serverID, channelID, messageID string) (Message, error) {
	member, ch, err := s.resolveChannelMember(ctx, profileID, serverID, channelID)
	if err != nil {
		return Message{}, err
	}
	return s.softDelete(ctx, member, ChannelScope(ch.ID), messageID)
}

// ---- conversation-scoped writes ----

// CreateDirectMessage posts a message into a direct conversation the caller
// participates in.
func (s *Service) CreateDirectMessage(ctx context.Context, profileID, conversationID string, body MessageBody) (Message, error) {
	member, conv, err := s.resolveConversationMember(ctx, profileID, conversationID)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.store.CreateMessage(ctx, CreateMessageInput{
		Scope:    ConversationScope(conv.ID),
		MemberID: member.ID,
		Content:  strings.TrimSpace(body.Content),
		FileURL:  strings.TrimSpace(body.FileURL),
		FileType: strings.TrimSpace(body.FileType),
		Now:      time.Now().UTC(),
	})
	if err != nil {
		return Message{}, err
	}

	s.publish(Event{Kind: EventCreated, Scope: msg.Scope(), Message: msg})
	return msg, nil
}

// EditDirectMessage edits a direct message; author only.
func (s *Service) EditDirectMessage(ctx context.Context, profileID, conversationID, messageID, content string) (Message, error) {
	member, conv, err := s.resolveConversationMember(ctx, profileID, conversationID)
	if err != nil {
		return Message{}, err
	}
	return s.edit(ctx, member, ConversationScope(conv.ID), messageID, content)
}

// DeleteDirectMessage soft-deletes a direct message; author or moderator.
func (s *Service) DeleteDirectMessage(ctx context.Context, profileID, conversationID, messageID string) (Message, error) {
	member, conv, err := s.resolveConversationMember(ctx, profileID, conversationID)
	if err != nil {
		return Message{}, err
	}
	return s.softDelete(ctx, member, ConversationScope(conv.ID), messageID)
}

// ---- shared write internals ----

func (s *Service) edit(ctx context.Context, member Member, scope Scope, messageID, content string) (Message, error) {
	target, err := s.resolveTarget(ctx, scope, messageID)
	if err != nil {
		return Message{}, err
	}
	if target.MemberID != member.ID {
		return Message{}, OpError{Op: "chat.Edit", Kind: ErrForbidden, Msg: "not the message author"}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, OpError{Op: "chat.Edit", Kind: ErrInvalidInput, Msg: "missing content"}
	}
	if len([]rune(content)) > maxMessageChars {
		return Message{}, OpError{Op: "chat.Edit", Kind: ErrInvalidInput, Msg: "content too long"}
	}

	msg, err := s.store.EditMessage(ctx, messageID, content, time.Now().UTC())
	if err != nil {
		return Message{}, err
	}

	s.publish(Event{Kind: EventUpdated, Scope: msg.Scope(), Message: msg})
	return msg, nil
}

func (s *Service) softDelete(ctx context.Context, member Member, scope Scope, messageID string) (Message, error) {
	target, err := s.resolveTarget(ctx, scope, messageID)
	if err != nil {
		return Message{}, err
	}
	if target.MemberID != member.ID && !member.Role.CanModerate() {
		return Message{}, OpError{Op: "chat.Delete", Kind: ErrForbidden, Msg: "not author or moderator"}
	}

	msg, err := s.store.SoftDeleteMessage(ctx, messageID, time.Now().UTC())
	if err != nil {
		return Message{}, err
	}

	s.publish(Event{Kind: EventUpdated, Scope: msg.Scope(), Message: msg})
	return msg, nil
}

// resolveTarget loads the message for edit/delete. An already soft-deleted
// target reports NotFound rather than idempotent success.
func (s *Service) resolveTarget(ctx context.Context, scope Scope, messageID string) (Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return Message{}, OpError{Op: "chat.resolveTarget", Kind: ErrInvalidInput, Msg: "missing message id"}
	}

	msg, err := s.store.GetMessage(ctx, messageID, scope)
	if err != nil {
		return Message{}, err
	}
	if msg.Deleted {
		return Message{}, OpError{Op: "chat.resolveTarget", Kind: ErrNotFound, Msg: "message already deleted"}
	}
	return msg, nil
}

func (s *Service) resolveChannelMember(ctx context.Context, profileID, serverID, channelID string) (Member, Channel, error) {
	if strings.TrimSpace(profileID) == "" {
		return Member{}, Channel{}, OpError{Op: "chat.resolveChannelMember", Kind: ErrUnauthenticated}
	}
	if strings.TrimSpace(serverID) == "" || strings.TrimSpace(channelID) == "" {
		return Member{}, Channel{}, OpError{Op: "chat.resolveChannelMember", Kind: ErrInvalidInput, Msg: "missing server or channel id"}
	}

	member, err := s.dir.ServerMember(ctx, serverID, profileID)
	if err != nil {
		return Member{}, Channel{}, err
	}
	ch, err := s.dir.Channel(ctx, channelID, serverID)
	if err != nil {
		return Member{}, Channel{}, err
	}
	return member, ch, nil
}

func (s *Service) resolveConversationMember(ctx context.Context, profileID, conversationID string) (Member, Conversation, error) {
	if strings.TrimSpace(profileID) == "" {
		return Member{}, Conversation{}, OpError{Op: "chat.resolveConversationMember", Kind: ErrUnauthenticated}
	}
	if strings.TrimSpace(conversationID) == "" {
		return Member{}, Conversation{}, OpError{Op: "chat.resolveConversationMember", Kind: ErrInvalidInput, Msg: "missing conversation id"}
	}

	conv, member, err := s.dir.ConversationMember(ctx, conversationID, profileID)
	if err != nil {
		return Member{}, Conversation{}, err
	}
	return member, conv, nil
}

func (s *Service) publish(ev Event) {
	if s.bc == nil {
		return
	}
	s.bc.Publish(ev)
}

// ---- channel management ----

// CreateChannel adds a channel; MODERATOR/ADMIN only. The reserved general
// name cannot be duplicated.
func (s *Service) CreateChannel(ctx context.Context, profileID, serverID, name string, channelType ChannelType) (Channel, error) {
	member, err := s.requireModerator(ctx, profileID, serverID)
	if err != nil {
		return Channel{}, err
	}

	name = strings.TrimSpace(name)
	if strings.EqualFold(name, GeneralChannelName) {
		return Channel{}, OpError{Op: "chat.CreateChannel", Kind: ErrInvalidInput, Msg: "channel name is reserved"}
	}

	ch, err := s.dir.CreateChannel(ctx, serverID, name, channelType)
	if err != nil {
		return Channel{}, err
	}

	s.log.Info("channel.create", "server_id", serverID, "channel_id", ch.ID, "member_id", member.ID)
	return ch, nil
}

// RenameChannel renames a channel; MODERATOR/ADMIN only, never general.
func (s *Service) RenameChannel(ctx context.Context, profileID, serverID, channelID, name string) (Channel, error) {
	if _, err := s.requireModerator(ctx, profileID, serverID); err != nil {
		return Channel{}, err
	}

	ch, err := s.dir.Channel(ctx, channelID, serverID)
	if err != nil {
		return Channel{}, err
	}
	if ch.Name == GeneralChannelName {
		return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrForbidden, Msg: "general channel cannot be renamed"}
	}

	name = strings.TrimSpace(name)
	if strings.EqualFold(name, GeneralChannelName) {
		return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrInvalidInput, Msg: "channel name is reserved"}
	}

	return s.dir.RenameChannel(ctx, channelID, serverID, name)
}

// DeleteChannel removes a channel; MODERATOR/ADMIN only, never general.
func (s *Service) DeleteChannel(ctx context.Context, profileID, serverID, channelID string) error {
	if _, err := s.requireModerator(ctx, profileID, serverID); err != nil {
		return err
	}

	ch, err := s.dir.Channel(ctx, channelID, serverID)
	if err != nil {
		return err
	}
	if ch.Name == GeneralChannelName {
		return OpError{Op: "chat.DeleteChannel", Kind: ErrForbidden, Msg: "general channel cannot be deleted"}
	}

	return s.dir.DeleteChannel(ctx, channelID, serverID)
}

func (s *Service) requireModerator(ctx context.Context, profileID, serverID string) (Member, error) {
	if strings.TrimSpace(profileID) == "" {
		return Member{}, OpError{Op: "chat.requireModerator", Kind: ErrUnauthenticated}
	}
	member, err := s.dir.ServerMember(ctx, serverID, profileID)
	if err != nil {
		return Member{}, err
	}
	if !member.Role.CanModerate() {
		return Member{}, OpError{Op: "chat.requireModerator", Kind: ErrForbidden, Msg: "moderator role required"}
	}
	return member, nil
}

// ---- server membership ----

// CreateServer creates a server owned by profileID, seeding the general
// channel and an ADMIN membership.
func (s *Service) CreateServer(ctx context.Context, profileID, name, imageURL string) (Server, error) {
	if strings.TrimSpace(profileID) == "" {
		return Server{}, OpError{Op: "chat.CreateServer", Kind: ErrUnauthenticated}
	}
	return s.dir.CreateServer(ctx, profileID, strings.TrimSpace(name), strings.TrimSpace(imageURL))
}

// JoinByInvite joins the caller to the server behind an invite code as GUEST.
func (s *Service) JoinByInvite(ctx context.Context, profileID, inviteCode string) (Server, error) {
	if strings.TrimSpace(profileID) == "" {
		return Server{}, OpError{Op: "chat.JoinByInvite", Kind: ErrUnauthenticated}
	}
	inviteCode = strings.TrimSpace(inviteCode)
	if inviteCode == "" {
		return Server{}, OpError{Op: "chat.JoinByInvite", Kind: ErrInvalidInput, Msg: "missing invite code"}
	}

	srv, err := s.dir.ServerByInviteCode(ctx, inviteCode)
	if err != nil {
		return Server{}, err
	}
	if _, err := s.dir.AddMember(ctx, srv.ID, profileID, RoleGuest); err != nil {
		return Server{}, err
	}
	return srv, nil
}

// RotateInviteCode regenerates the invite code; any member may rotate.
func (s *Service) RotateInviteCode(ctx context.Context, profileID, serverID string) (Server, error) {
	if strings.TrimSpace(profileID) == "" {
		return Server{}, OpError{Op: "chat.RotateInviteCode", Kind: ErrUnauthenticated}
	}
	if _, err := s.dir.ServerMember(ctx, serverID, profileID); err != nil {
		return Server{}, err
	}
	return s.dir.RotateInviteCode(ctx, serverID)
}

// UpdateServer renames a server or swaps its image; owner only.
func (s *Service) UpdateServer(ctx context.Context, profileID, serverID, name, imageURL string) (Server, error) {
	if _, err := s.requireOwner(ctx, profileID, serverID); err != nil {
		return Server{}, err
	}
	return s.dir.UpdateServer(ctx, serverID, strings.TrimSpace(name), strings.TrimSpace(imageURL))
}

// DeleteServer removes a server with everything in it; owner only.
func (s *Service) DeleteServer(ctx context.Context, profileID, serverID string) error {
	if _, err := s.requireOwner(ctx, profileID, serverID); err != nil {
		return err
	}
	if err := s.dir.DeleteServer(ctx, serverID); err != nil {
		return err
	}
	s.log.Info("server.delete", "server_id", serverID)
	return nil
}

// LeaveServer drops the caller's own membership. The owner cannot leave;
// they delete the server instead.
func (s *Service) LeaveServer(ctx context.Context, profileID, serverID string) error {
	if strings.TrimSpace(profileID) == "" {
		return OpError{Op: "chat.LeaveServer", Kind: ErrUnauthenticated}
	}

	srv, err := s.dir.ServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	if srv.OwnerProfileID == profileID {
		return OpError{Op: "chat.LeaveServer", Kind: ErrForbidden, Msg: "owner cannot leave their server"}
	}

	member, err := s.dir.ServerMember(ctx, serverID, profileID)
	if err != nil {
		return err
	}
	return s.dir.RemoveMember(ctx, member.ID, serverID)
}

// UpdateMemberRole changes another member's role; ADMIN only. Admins cannot
// change their own role, so a server always keeps at least one admin.
func (s *Service) UpdateMemberRole(ctx context.Context, profileID, serverID, memberID string, role Role) (Member, error) {
	caller, err := s.requireAdmin(ctx, profileID, serverID)
	if err != nil {
		return Member{}, err
	}
	if caller.ID == memberID {
		return Member{}, OpError{Op: "chat.UpdateMemberRole", Kind: ErrInvalidInput, Msg: "cannot change own role"}
	}
	return s.dir.UpdateMemberRole(ctx, memberID, serverID, role)
}

// KickMember removes another member from the server; ADMIN only. The owner
// cannot be kicked, and admins cannot kick themselves (that is LeaveServer).
func (s *Service) KickMember(ctx context.Context, profileID, serverID, memberID string) error {
	caller, err := s.requireAdmin(ctx, profileID, serverID)
	if err != nil {
		return err
	}
	if caller.ID == memberID {
		return OpError{Op: "chat.KickMember", Kind: ErrInvalidInput, Msg: "cannot kick self"}
	}

	target, err := s.dir.MemberByID(ctx, memberID, serverID)
	if err != nil {
		return err
	}
	srv, err := s.dir.ServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	if target.ProfileID == srv.OwnerProfileID {
		return OpError{Op: "chat.KickMember", Kind: ErrForbidden, Msg: "owner cannot be kicked"}
	}

	if err := s.dir.RemoveMember(ctx, memberID, serverID); err != nil {
		return err
	}
	s.log.Info("member.kick", "server_id", serverID, "member_id", memberID, "by", caller.ID)
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, profileID, serverID string) (Member, error) {
	if strings.TrimSpace(profileID) == "" {
		return Member{}, OpError{Op: "chat.requireAdmin", Kind: ErrUnauthenticated}
	}
	member, err := s.dir.ServerMember(ctx, serverID, profileID)
	if err != nil {
		return Member{}, err
	}
	if member.Role != RoleAdmin {
		return Member{}, OpError{Op: "chat.requireAdmin", Kind: ErrForbidden, Msg: "admin role required"}
	}
	return member, nil
}

func (s *Service) requireOwner(ctx context.Context, profileID, serverID string) (Server, error) {
	if strings.TrimSpace(profileID) == "" {
		return Server{}, OpError{Op: "chat.requireOwner", Kind: ErrUnauthenticated}
	}
	srv, err := s.dir.ServerByID(ctx, serverID)
	if err != nil {
		return Server{}, err
	}
	if srv.OwnerProfileID != profileID {
		return Server{}, OpError{Op: "chat.requireOwner", Kind: ErrForbidden, Msg: "server owner required"}
	}
	return srv, nil
}

// OpenConversation returns the direct conversation between the caller's
// member and another member of the same server, creating it on first use.
func (s *Service) OpenConversation(ctx context.Context, profileID, serverID, targetMemberID string) (Conversation, error) {
	if strings.TrimSpace(profileID) == "" {
		return Conversation{}, OpError{Op: "chat.OpenConversation", Kind: ErrUnauthenticated}
	}

	caller, err := s.dir.ServerMember(ctx, serverID, profileID)
	if err != nil {
		return Conversation{}, err
	}
	target, err := s.dir.MemberByID(ctx, targetMemberID, serverID)
	if err != nil {
		return Conversation{}, err
	}
	if caller.ID == target.ID {
		return Conversation{}, OpError{Op: "chat.OpenConversation", Kind: ErrInvalidInput, Msg: "cannot converse with self"}
	}

	return s.dir.EnsureConversation(ctx, caller.ID, target.ID)
}

// CanSubscribe reports whether profileID may receive push events for scope.
// Channel scopes require server membership resolved through the channel;
// conversation scopes require participation.
func (s *Service) CanSubscribe(ctx context.Context, profileID string, scope Scope) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	if strings.TrimSpace(profileID) == "" {
		return false, nil
	}

	switch scope.Kind {
	case ScopeConversation:
		_, _, err := s.dir.ConversationMember(ctx, scope.ID, profileID)
		if err != nil {
			if IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	default:
		// Channel scope: membership in the owning server. The directory
		// resolves the channel without a server hint here.
		return s.canSubscribeChannel(ctx, profileID, scope.ID)
	}
}

func (s *Service) canSubscribeChannel(ctx context.Context, profileID, channelID string) (bool, error) {
	srvID, err := s.dir.ChannelServerID(ctx, channelID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.dir.ServerMember(ctx, srvID, profileID); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
