package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/ids"
)

const memMaxMessagesPerScope = 10_000

// InMemoryStore is a dev/test fallback when DB is not configured.
// It implements both MessageStore and Directory under one mutex.
type InMemoryStore struct {
	mu sync.Mutex

	profiles      map[string]Profile
	servers       map[string]Server
	members       map[string]Member       // member id -> member
	channels      map[string]Channel      // channel id -> channel
	conversations map[string]Conversation // conversation id -> conversation

	messages map[string]Message // message id -> message
	byScope  map[string][]string
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:      make(map[string]Profile),
		servers:       make(map[string]Server),
		members:       make(map[string]Member),
		channels:      make(map[string]Channel),
		conversations: make(map[string]Conversation),
		messages:      make(map[string]Message),
		byScope:       make(map[string][]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- MessageStore ----

// CreateMessage persists a new message under its scope.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := in.Scope.Validate(); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(in.MemberID) == "" {
		return Message{}, OpError{Op: "chat.CreateMessage", Kind: ErrInvalidInput, Msg: "missing member id"}
	}
	if strings.TrimSpace(in.Content) == "" && strings.TrimSpace(in.FileURL) == "" {
		return Message{}, OpError{Op: "chat.CreateMessage", Kind: ErrInvalidInput, Msg: "missing content"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := Message{
		ID:        id,
		Content:   in.Content,
		FileURL:   in.FileURL,
		FileType:  in.FileType,
		MemberID:  in.MemberID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch in.Scope.Kind {
	case ScopeChannel:
		m.ChannelID = in.Scope.ID
	case ScopeConversation:
		m.ConversationID = in.Scope.ID
	}

	key := in.Scope.key()
	s.messages[id] = m
	s.byScope[key] = append(s.byScope[key], id)

	// Bound memory to avoid unbounded growth in dev.
	if n := len(s.byScope[key]); n > memMaxMessagesPerScope {
		for _, drop := range s.byScope[key][:n-memMaxMessagesPerScope] {
			delete(s.messages, drop)
		}
		s.byScope[key] = s.byScope[key][n-memMaxMessagesPerScope:]
	}

	return s.joinedLocked(m), nil
}

// EditMessage replaces content and bumps UpdatedAt. Soft-deleted messages
// reject edits.
func (s *InMemoryStore) EditMessage(ctx context.Context, messageID, content string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, OpError{Op: "chat.EditMessage", Kind: ErrInvalidInput, Msg: "missing content"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, OpError{Op: "chat.EditMessage", Kind: ErrNotFound, Msg: "message"}
	}
	if m.Deleted {
		return Message{}, OpError{Op: "chat.EditMessage", Kind: ErrDeleted}
	}

	m.Content = content
	m.UpdatedAt = now
	s.messages[messageID] = m
	return s.joinedLocked(m), nil
}

// SoftDeleteMessage marks the message deleted and blanks its body. A second
// delete reports NotFound, mirroring the lookup rule on the write path.
func (s *InMemoryStore) SoftDeleteMessage(ctx context.Context, messageID string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, OpError{Op: "chat.SoftDeleteMessage", Kind: ErrNotFound, Msg: "message"}
	}
	if m.Deleted {
		return Message{}, OpError{Op: "chat.SoftDeleteMessage", Kind: ErrNotFound, Msg: "message already deleted"}
	}

	m.Deleted = true
	m.Content = DeletedPlaceholder
	m.FileURL = ""
	m.FileType = ""
	m.UpdatedAt = now
	s.messages[messageID] = m
	return s.joinedLocked(m), nil
}

// GetMessage resolves a message by id within a scope.
func (s *InMemoryStore) GetMessage(ctx context.Context, messageID string, scope Scope) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.Scope() != scope {
		return Message{}, OpError{Op: "chat.GetMessage", Kind: ErrNotFound, Msg: "message"}
	}
	return s.joinedLocked(m), nil
}

// ListPage returns up to limit messages strictly older than cursorID,
// newest-first on (CreatedAt, ID) descending.
func (s *InMemoryStore) ListPage(ctx context.Context, scope Scope, cursorID string, limit int) ([]Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idsInScope := s.byScope[scope.key()]
	snap := make([]Message, 0, len(idsInScope))
	for _, id := range idsInScope {
		if m, ok := s.messages[id]; ok {
			snap = append(snap, m)
		}
	}

	sort.Slice(snap, func(i, j int) bool { return newerThan(snap[i], snap[j]) })

	start := 0
	if cursorID != "" {
		boundary, ok := s.messages[cursorID]
		if !ok || boundary.Scope() != scope {
			return nil, false, OpError{Op: "chat.ListPage", Kind: ErrNotFound, Msg: "cursor"}
		}
		start = sort.Search(len(snap), func(i int) bool { return newerThan(boundary, snap[i]) })
	}

	end := start + limit
	hasMore := end < len(snap)
	if end > len(snap) {
		end = len(snap)
	}

	out := make([]Message, 0, end-start)
	for _, m := range snap[start:end] {
		out = append(out, s.joinedLocked(m))
	}
	return out, hasMore, nil
}

// newerThan is the canonical composite sort: CreatedAt descending with ID
// descending as the tie-break, so pages are stable on identical timestamps.
func newerThan(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// joinedLocked attaches the authoring Member and its Profile for display.
// Callers must hold s.mu.
func (s *InMemoryStore) joinedLocked(m Message) Message {
	member, ok := s.members[m.MemberID]
	if !ok {
		return m
	}
	if p, ok := s.profiles[member.ProfileID]; ok {
		member.Profile = p
	}
	m.Member = member
	return m
}

// ---- Directory ----

// CreateProfile registers a display identity.
func (s *InMemoryStore) CreateProfile(ctx context.Context, name, imageURL string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, OpError{Op: "chat.CreateProfile", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	id, err := ids.NewULID(time.Time{})
	if err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := Profile{ID: id, Name: name, ImageURL: imageURL}
	s.profiles[id] = p
	return p, nil
}

// ProfileByID resolves a profile.
func (s *InMemoryStore) ProfileByID(ctx context.Context, profileID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[profileID]
	if !ok {
		return Profile{}, OpError{Op: "chat.ProfileByID", Kind: ErrNotFound, Msg: "profile"}
	}
	return p, nil
}

// DeleteProfile removes a profile.
func (s *InMemoryStore) DeleteProfile(ctx context.Context, profileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[profileID]; !ok {
		return OpError{Op: "chat.DeleteProfile", Kind: ErrNotFound, Msg: "profile"}
	}
	delete(s.profiles, profileID)
	return nil
}

// CreateServer creates a server with its distinguished general channel and
// the owner as ADMIN member.
func (s *InMemoryStore) CreateServer(ctx context.Context, ownerProfileID, name, imageURL string) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Server{}, OpError{Op: "chat.CreateServer", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	now := time.Now().UTC()
	serverID, err := ids.NewULID(now)
	if err != nil {
		return Server{}, err
	}
	channelID, err := ids.NewULID(now)
	if err != nil {
		return Server{}, err
	}
	memberID, err := ids.NewULID(now)
	if err != nil {
		return Server{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[ownerProfileID]; !ok {
		return Server{}, OpError{Op: "chat.CreateServer", Kind: ErrNotFound, Msg: "profile"}
	}

	srv := Server{
		ID:             serverID,
		Name:           name,
		ImageURL:       imageURL,
		InviteCode:     ids.NewRandomHex(8),
		OwnerProfileID: ownerProfileID,
		CreatedAt:      now,
	}
	s.servers[serverID] = srv
	s.channels[channelID] = Channel{
		ID:        channelID,
		ServerID:  serverID,
		Name:      GeneralChannelName,
		Type:      ChannelText,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.members[memberID] = Member{
		ID:        memberID,
		ServerID:  serverID,
		ProfileID: ownerProfileID,
		Role:      RoleAdmin,
	}
	return srv, nil
}

// ServerByID resolves a server.
func (s *InMemoryStore) ServerByID(ctx context.Context, serverID string) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return Server{}, OpError{Op: "chat.ServerByID", Kind: ErrNotFound, Msg: "server"}
	}
	return srv, nil
}

// UpdateServer replaces a server's name and image.
func (s *InMemoryStore) UpdateServer(ctx context.Context, serverID, name, imageURL string) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Server{}, OpError{Op: "chat.UpdateServer", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return Server{}, OpError{Op: "chat.UpdateServer", Kind: ErrNotFound, Msg: "server"}
	}
	srv.Name = name
	srv.ImageURL = imageURL
	s.servers[serverID] = srv
	return srv, nil
}

// DeleteServer removes the server with its channels and memberships.
// Channel messages lose their scope index entries; the rows themselves are
// dropped with them since nothing can reach them anymore.
func (s *InMemoryStore) DeleteServer(ctx context.Context, serverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[serverID]; !ok {
		return OpError{Op: "chat.DeleteServer", Kind: ErrNotFound, Msg: "server"}
	}

	for id, c := range s.channels {
		if c.ServerID != serverID {
			continue
		}
		key := ChannelScope(id).key()
		for _, msgID := range s.byScope[key] {
			delete(s.messages, msgID)
		}
		delete(s.byScope, key)
		delete(s.channels, id)
	}
	for id, m := range s.members {
		if m.ServerID == serverID {
			delete(s.members, id)
			s.dropMemberDataLocked(id)
		}
	}
	delete(s.servers, serverID)
	return nil
}

// ServerByInviteCode resolves a server by its invite code.
func (s *InMemoryStore) ServerByInviteCode(ctx context.Context, inviteCode string) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.servers {
		if srv.InviteCode == inviteCode {
			return srv, nil
		}
	}
	return Server{}, OpError{Op: "chat.ServerByInviteCode", Kind: ErrNotFound, Msg: "server"}
}

// RotateInviteCode replaces the server's invite code.
func (s *InMemoryStore) RotateInviteCode(ctx context.Context, serverID string) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return Server{}, OpError{Op: "chat.RotateInviteCode", Kind: ErrNotFound, Msg: "server"}
	}
	srv.InviteCode = ids.NewRandomHex(8)
	s.servers[serverID] = srv
	return srv, nil
}

// AddMember joins a profile to a server; joining twice keeps the first membership.
func (s *InMemoryStore) AddMember(ctx context.Context, serverID, profileID string, role Role) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}

	memberID, err := ids.NewULID(time.Time{})
	if err != nil {
		return Member{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[serverID]; !ok {
		return Member{}, OpError{Op: "chat.AddMember", Kind: ErrNotFound, Msg: "server"}
	}
	if _, ok := s.profiles[profileID]; !ok {
		return Member{}, OpError{Op: "chat.AddMember", Kind: ErrNotFound, Msg: "profile"}
	}
	for _, m := range s.members {
		if m.ServerID == serverID && m.ProfileID == profileID {
			return s.memberJoinedLocked(m), nil
		}
	}

	m := Member{ID: memberID, ServerID: serverID, ProfileID: profileID, Role: role}
	s.members[memberID] = m
	return s.memberJoinedLocked(m), nil
}

// ServerMember resolves the caller's membership in a server.
func (s *InMemoryStore) ServerMember(ctx context.Context, serverID, profileID string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.ServerID == serverID && m.ProfileID == profileID {
			return s.memberJoinedLocked(m), nil
		}
	}
	return Member{}, OpError{Op: "chat.ServerMember", Kind: ErrNotFound, Msg: "member"}
}

// MemberByID resolves a member by id within a server.
func (s *InMemoryStore) MemberByID(ctx context.Context, memberID, serverID string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.ServerID != serverID {
		return Member{}, OpError{Op: "chat.MemberByID", Kind: ErrNotFound, Msg: "member"}
	}
	return s.memberJoinedLocked(m), nil
}

// UpdateMemberRole replaces a member's role within a server.
func (s *InMemoryStore) UpdateMemberRole(ctx context.Context, memberID, serverID string, role Role) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	if !role.Valid() {
		return Member{}, OpError{Op: "chat.UpdateMemberRole", Kind: ErrInvalidInput, Msg: "unknown role"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.ServerID != serverID {
		return Member{}, OpError{Op: "chat.UpdateMemberRole", Kind: ErrNotFound, Msg: "member"}
	}
	m.Role = role
	s.members[memberID] = m
	return s.memberJoinedLocked(m), nil
}

// RemoveMember drops a membership together with the member's messages and
// conversations, mirroring the database's ON DELETE CASCADE.
func (s *InMemoryStore) RemoveMember(ctx context.Context, memberID, serverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.ServerID != serverID {
		return OpError{Op: "chat.RemoveMember", Kind: ErrNotFound, Msg: "member"}
	}
	delete(s.members, memberID)
	s.dropMemberDataLocked(memberID)
	return nil
}

// dropMemberDataLocked removes a gone member's messages and conversations.
// Stale ids left in the scope index are harmless; readers skip ids with no
// backing row.
func (s *InMemoryStore) dropMemberDataLocked(memberID string) {
	for id, c := range s.conversations {
		if !c.Involves(memberID) {
			continue
		}
		key := ConversationScope(id).key()
		for _, msgID := range s.byScope[key] {
			delete(s.messages, msgID)
		}
		delete(s.byScope, key)
		delete(s.conversations, id)
	}
	for id, msg := range s.messages {
		if msg.MemberID == memberID {
			delete(s.messages, id)
		}
	}
}

func (s *InMemoryStore) memberJoinedLocked(m Member) Member {
	if p, ok := s.profiles[m.ProfileID]; ok {
		m.Profile = p
	}
	return m
}

// CreateChannel adds a channel to a server. The reserved general name is
// enforced by the service layer; the store only rejects duplicates.
func (s *InMemoryStore) CreateChannel(ctx context.Context, serverID, name string, channelType ChannelType) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, OpError{Op: "chat.CreateChannel", Kind: ErrInvalidInput, Msg: "missing name"}
	}
	if channelType == "" {
		channelType = ChannelText
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[serverID]; !ok {
		return Channel{}, OpError{Op: "chat.CreateChannel", Kind: ErrNotFound, Msg: "server"}
	}
	for _, c := range s.channels {
		if c.ServerID == serverID && c.Name == name {
			return Channel{}, OpError{Op: "chat.CreateChannel", Kind: ErrInvalidInput, Msg: "duplicate channel name"}
		}
	}

	c := Channel{ID: id, ServerID: serverID, Name: name, Type: channelType, CreatedAt: now, UpdatedAt: now}
	s.channels[id] = c
	return c, nil
}

// Channel resolves a channel by id within a server.
func (s *InMemoryStore) Channel(ctx context.Context, channelID, serverID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok || c.ServerID != serverID {
		return Channel{}, OpError{Op: "chat.Channel", Kind: ErrNotFound, Msg: "channel"}
	}
	return c, nil
}

// ChannelServerID resolves a channel's owning server.
func (s *InMemoryStore) ChannelServerID(ctx context.Context, channelID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return "", OpError{Op: "chat.ChannelServerID", Kind: ErrNotFound, Msg: "channel"}
	}
	return c.ServerID, nil
}

// RenameChannel updates a channel name.
func (s *InMemoryStore) RenameChannel(ctx context.Context, channelID, serverID, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok || c.ServerID != serverID {
		return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrNotFound, Msg: "channel"}
	}
	for _, other := range s.channels {
		if other.ServerID == serverID && other.Name == name && other.ID != channelID {
			return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrInvalidInput, Msg: "duplicate channel name"}
		}
	}

	c.Name = name
	c.UpdatedAt = time.Now().UTC()
	s.channels[channelID] = c
	return c, nil
}

// DeleteChannel removes a channel. Messages under it survive (soft model);
// they simply become unreachable through the directory.
func (s *InMemoryStore) DeleteChannel(ctx context.Context, channelID, serverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok || c.ServerID != serverID {
		return OpError{Op: "chat.DeleteChannel", Kind: ErrNotFound, Msg: "channel"}
	}
	delete(s.channels, channelID)
	return nil
}

// EnsureConversation returns the conversation between two members, creating
// it on first use. Order of the two ids does not matter.
func (s *InMemoryStore) EnsureConversation(ctx context.Context, memberOneID, memberTwoID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if memberOneID == "" || memberTwoID == "" || memberOneID == memberTwoID {
		return Conversation{}, OpError{Op: "chat.EnsureConversation", Kind: ErrInvalidInput, Msg: "invalid member pair"}
	}

	id, err := ids.NewULID(time.Time{})
	if err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if (c.MemberOneID == memberOneID && c.MemberTwoID == memberTwoID) ||
			(c.MemberOneID == memberTwoID && c.MemberTwoID == memberOneID) {
			return c, nil
		}
	}

	c := Conversation{ID: id, MemberOneID: memberOneID, MemberTwoID: memberTwoID}
	s.conversations[id] = c
	return c, nil
}

// Conversation resolves a conversation by id.
func (s *InMemoryStore) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, OpError{Op: "chat.Conversation", Kind: ErrNotFound, Msg: "conversation"}
	}
	return c, nil
}

// ConversationMember resolves the conversation and the participant member
// owned by profileID.
func (s *InMemoryStore) ConversationMember(ctx context.Context, conversationID, profileID string) (Conversation, Member, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, Member{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, Member{}, OpError{Op: "chat.ConversationMember", Kind: ErrNotFound, Msg: "conversation"}
	}
	for _, memberID := range []string{c.MemberOneID, c.MemberTwoID} {
		if m, ok := s.members[memberID]; ok && m.ProfileID == profileID {
			return c, s.memberJoinedLocked(m), nil
		}
	}
	return Conversation{}, Member{}, OpError{Op: "chat.ConversationMember", Kind: ErrNotFound, Msg: "member"}
}
