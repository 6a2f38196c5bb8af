// Package chat contains parley's messaging core: the message store gateway,
// cursor pager, realtime broadcaster, and the authorize-then-mutate write path.
package chat

import (
	"context"
	"time"
)

// CreateMessageInput describes a message create request. Exactly one of
// the scope's channel/conversation sides is set via Scope.
type CreateMessageInput struct {
	Scope    Scope
	MemberID string
	Content  string
	FileURL  string
	FileType string
	Now      time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - CreateMessage rejects inputs with neither content nor file attachment.
//   - SoftDeleteMessage marks deleted=true and blanks content/fileURL; the
//     row survives and keeps appearing in ListPage output.
//   - EditMessage fails on soft-deleted messages (deletion is terminal).
//   - ListPage orders newest-first on (created_at DESC, id DESC) so that a
//     cursor never skips or repeats a message on timestamp ties.
type MessageStore interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	EditMessage(ctx context.Context, messageID, content string, now time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, messageID string, now time.Time) (Message, error)

	// GetMessage resolves a message by id within a scope, author joined.
	GetMessage(ctx context.Context, messageID string, scope Scope) (Message, error)

	// ListPage returns up to limit messages strictly older than the cursor
	// message (all newest when cursorID is empty), newest-first, each joined
	// with its authoring Member and that Member's Profile.
	ListPage(ctx context.Context, scope Scope, cursorID string, limit int) (items []Message, hasMore bool, err error)

	Close() error
}

// Directory resolves servers, members, channels, and conversations. It is
// the authorization boundary for the write path.
type Directory interface {
	CreateProfile(ctx context.Context, name, imageURL string) (Profile, error)
	ProfileByID(ctx context.Context, profileID string) (Profile, error)

	// DeleteProfile removes a profile that never got an account bound to it.
	DeleteProfile(ctx context.Context, profileID string) error

	CreateServer(ctx context.Context, ownerProfileID, name, imageURL string) (Server, error)
	ServerByID(ctx context.Context, serverID string) (Server, error)
	ServerByInviteCode(ctx context.Context, inviteCode string) (Server, error)
	UpdateServer(ctx context.Context, serverID, name, imageURL string) (Server, error)

	// DeleteServer removes the server together with its channels,
	// memberships, and their messages.
	DeleteServer(ctx context.Context, serverID string) error
	RotateInviteCode(ctx context.Context, serverID string) (Server, error)

	// AddMember is idempotent: joining a server twice keeps the first membership.
	AddMember(ctx context.Context, serverID, profileID string, role Role) (Member, error)
	ServerMember(ctx context.Context, serverID, profileID string) (Member, error)
	MemberByID(ctx context.Context, memberID, serverID string) (Member, error)
	UpdateMemberRole(ctx context.Context, memberID, serverID string, role Role) (Member, error)

	// RemoveMember drops a membership; the member's messages and
	// conversations go with it.
	RemoveMember(ctx context.Context, memberID, serverID string) error

	CreateChannel(ctx context.Context, serverID, name string, channelType ChannelType) (Channel, error)
	Channel(ctx context.Context, channelID, serverID string) (Channel, error)

	// ChannelServerID resolves the owning server of a channel without a
	// server hint (used by push-subscription authorization).
	ChannelServerID(ctx context.Context, channelID string) (string, error)
	RenameChannel(ctx context.Context, channelID, serverID, name string) (Channel, error)
	DeleteChannel(ctx context.Context, channelID, serverID string) error

	// EnsureConversation returns the existing conversation between the two
	// members (in either order) or creates one.
	EnsureConversation(ctx context.Context, memberOneID, memberTwoID string) (Conversation, error)
	Conversation(ctx context.Context, conversationID string) (Conversation, error)

	// ConversationMember resolves the conversation and the participant member
	// owned by profileID, or NotFound when the profile is not a participant.
	ConversationMember(ctx context.Context, conversationID, profileID string) (Conversation, Member, error)
}
