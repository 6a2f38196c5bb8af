package chat

import "time"

// DeletedPlaceholder is what clients render in place of a soft-deleted
// message body. The row itself is never physically removed.
const DeletedPlaceholder = "This message has been deleted."

// Role gates write authorization within one server.
type Role string

const (
	RoleGuest     Role = "GUEST"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// CanModerate reports whether the role may delete other members' messages
// and manage channels.
func (r Role) CanModerate() bool {
	return r == RoleModerator || r == RoleAdmin
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r == RoleGuest || r == RoleModerator || r == RoleAdmin
}

// Profile is the display identity behind one or more members.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageURL,omitempty"`
}

// Member is a Profile's association with one Server, carrying a role.
type Member struct {
	ID        string  `json:"id"`
	ServerID  string  `json:"serverID,omitempty"`
	ProfileID string  `json:"profileID"`
	Role      Role    `json:"role"`
	Profile   Profile `json:"profile"`
}

// Server is a named collection of channels and members.
type Server struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ImageURL       string    `json:"imageURL,omitempty"`
	InviteCode     string    `json:"inviteCode"`
	OwnerProfileID string    `json:"ownerProfileID"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ChannelType drives client rendering only; the store treats all types alike.
type ChannelType string

const (
	ChannelText  ChannelType = "TEXT"
	ChannelAudio ChannelType = "AUDIO"
	ChannelVideo ChannelType = "VIDEO"
)

// GeneralChannelName is the distinguished channel every server starts with.
// It cannot be renamed, deleted, or duplicated.
const GeneralChannelName = "general"

// Channel is a channel-kinded message scope inside a server.
type Channel struct {
	ID        string      `json:"id"`
	ServerID  string      `json:"serverID"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Conversation is a direct-message scope between two members.
type Conversation struct {
	ID          string `json:"id"`
	MemberOneID string `json:"memberOneID"`
	MemberTwoID string `json:"memberTwoID"`
}

// Involves reports whether memberID is one of the two participants.
func (c Conversation) Involves(memberID string) bool {
	return memberID != "" && (c.MemberOneID == memberID || c.MemberTwoID == memberID)
}

// Message is the canonical persisted chat message, channel- or
// conversation-scoped. IDs are ULIDs: opaque to clients, monotonically
// orderable by creation time, which makes them usable as both the cursor
// boundary and the tie-break on identical timestamps.
//
// UpdatedAt != CreatedAt signals "edited" to clients. Deleted=true is
// terminal: content/fileURL are blanked and further edits are rejected.
type Message struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channelID,omitempty"`
	ConversationID string    `json:"conversationID,omitempty"`
	Content        string    `json:"content"`
	FileURL        string    `json:"fileURL,omitempty"`
	FileType       string    `json:"fileType,omitempty"`
	MemberID       string    `json:"memberID"`
	Member         Member    `json:"member"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Scope returns the tagged scope this message belongs to.
func (m Message) Scope() Scope {
	if m.ConversationID != "" {
		return ConversationScope(m.ConversationID)
	}
	return ChannelScope(m.ChannelID)
}
