package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/internal/ids"
)

// PostgresStore implements MessageStore and Directory against PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `
  m.id,
  COALESCE(m.channel_id, ''),
  COALESCE(m.conversation_id, ''),
  m.content,
  COALESCE(m.file_url, ''),
  COALESCE(m.file_type, ''),
  m.member_id,
  m.deleted,
  m.created_at,
  m.updated_at,
  mem.server_id,
  mem.profile_id,
  mem.role,
  p.name,
  COALESCE(p.image_url, '')`

func (s *PostgresStore) messageFrom() string {
	return pgIdent(s.schema, "messages") + ` m
  JOIN ` + pgIdent(s.schema, "members") + ` mem ON mem.id = m.member_id
  JOIN ` + pgIdent(s.schema, "profiles") + ` p ON p.id = mem.profile_id`
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ChannelID,
		&m.ConversationID,
		&m.Content,
		&m.FileURL,
		&m.FileType,
		&m.MemberID,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Member.ServerID,
		&m.Member.ProfileID,
		&m.Member.Role,
		&m.Member.Profile.Name,
		&m.Member.Profile.ImageURL,
	)
	if err != nil {
		return Message{}, err
	}
	m.Member.ID = m.MemberID
	m.Member.Profile.ID = m.Member.ProfileID
	return m, nil
}

// scopeColumn maps a scope kind to its storage column. Kinds are internal
// constants, never user input.
func scopeColumn(kind ScopeKind) string {
	if kind == ScopeConversation {
		return "conversation_id"
	}
	return "channel_id"
}

// ---- MessageStore ----

// CreateMessage inserts a new message under its scope.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
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
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	var channelID, conversationID any
	switch in.Scope.Kind {
	case ScopeChannel:
		channelID = in.Scope.ID
	case ScopeConversation:
		conversationID = in.Scope.ID
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (
		     id, channel_id, conversation_id, content, file_url, file_type, member_id, deleted, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, FALSE, $8, $8)`,
		id, channelID, conversationID, in.Content, in.FileURL, in.FileType, in.MemberID, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return s.fetchMessage(ctx, id)
}

// EditMessage replaces content on a live message and bumps updated_at.
func (s *PostgresStore) EditMessage(ctx context.Context, messageID, content string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, OpError{Op: "chat.EditMessage", Kind: ErrInvalidInput, Msg: "missing content"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET content = $2, updated_at = $3
		  WHERE id = $1 AND deleted = FALSE`,
		messageID, content, now,
	)
	if err != nil {
		return Message{}, err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a soft-deleted target (terminal) from a missing one.
		var deleted bool
		err := s.pool.QueryRow(ctx,
			`SELECT deleted FROM `+pgIdent(s.schema, "messages")+` WHERE id = $1`,
			messageID,
		).Scan(&deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, OpError{Op: "chat.EditMessage", Kind: ErrNotFound, Msg: "message"}
		}
		if err != nil {
			return Message{}, err
		}
		return Message{}, OpError{Op: "chat.EditMessage", Kind: ErrDeleted}
	}

	return s.fetchMessage(ctx, messageID)
}

// SoftDeleteMessage marks the message deleted and blanks its body. The row
// survives; a second delete reports NotFound.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET deleted = TRUE, content = $2, file_url = NULL, file_type = NULL, updated_at = $3
		  WHERE id = $1 AND deleted = FALSE`,
		messageID, DeletedPlaceholder, now,
	)
	if err != nil {
		return Message{}, err
	}
	if tag.RowsAffected() == 0 {
		return Message{}, OpError{Op: "chat.SoftDeleteMessage", Kind: ErrNotFound, Msg: "message"}
	}

	return s.fetchMessage(ctx, messageID)
}

// GetMessage resolves a message by id within a scope, author joined.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string, scope Scope) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if err := scope.Validate(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.messageFrom()+`
		  WHERE m.id = $1 AND m.`+scopeColumn(scope.Kind)+` = $2`,
		messageID, scope.ID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: "chat.GetMessage", Kind: ErrNotFound, Msg: "message"}
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) fetchMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.messageFrom()+`
		  WHERE m.id = $1`,
		messageID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: "chat.fetchMessage", Kind: ErrNotFound, Msg: "message"}
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListPage returns up to limit messages strictly older than the cursor
// message, newest-first on the composite key (created_at DESC, id DESC).
// The composite predicate guarantees a cursor never skips or repeats a
// message when two rows share a timestamp.
func (s *PostgresStore) ListPage(ctx context.Context, scope Scope, cursorID string, limit int) ([]Message, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, errors.New("chat: nil store")
	}
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}
	fetch := limit + 1

	col := scopeColumn(scope.Kind)

	var (
		rows pgx.Rows
		err  error
	)
	if cursorID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+s.messageFrom()+`
			  WHERE m.`+col+` = $1
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $2`,
			scope.ID, fetch,
		)
	} else {
		// Resolve the boundary row up front so an unknown cursor fails
		// loudly instead of degenerating into an empty page.
		var (
			boundaryAt time.Time
			boundaryID string
		)
		err = s.pool.QueryRow(ctx,
			`SELECT b.created_at, b.id
			   FROM `+pgIdent(s.schema, "messages")+` b
			  WHERE b.id = $1 AND b.`+col+` = $2`,
			cursorID, scope.ID,
		).Scan(&boundaryAt, &boundaryID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, OpError{Op: "chat.ListPage", Kind: ErrNotFound, Msg: "cursor"}
		}
		if err != nil {
			return nil, false, err
		}

		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+s.messageFrom()+`
			  WHERE m.`+col+` = $1
			    AND (m.created_at, m.id) < ($2, $3)
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $4`,
			scope.ID, boundaryAt, boundaryID, fetch,
		)
	}
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// ---- Directory ----

// CreateProfile registers a display identity.
func (s *PostgresStore) CreateProfile(ctx context.Context, name, imageURL string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, OpError{Op: "chat.CreateProfile", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	id, err := ids.NewULID(time.Time{})
	if err != nil {
		return Profile{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "profiles")+` (id, name, image_url) VALUES ($1, $2, NULLIF($3, ''))`,
		id, name, imageURL,
	); err != nil {
		return Profile{}, err
	}
	return Profile{ID: id, Name: name, ImageURL: imageURL}, nil
}

// ProfileByID resolves a profile.
func (s *PostgresStore) ProfileByID(ctx context.Context, profileID string) (Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(image_url, '') FROM `+pgIdent(s.schema, "profiles")+` WHERE id = $1`,
		profileID,
	).Scan(&p.ID, &p.Name, &p.ImageURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, OpError{Op: "chat.ProfileByID", Kind: ErrNotFound, Msg: "profile"}
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

// DeleteProfile removes a profile row.
func (s *PostgresStore) DeleteProfile(ctx context.Context, profileID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "profiles")+` WHERE id = $1`,
		profileID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "chat.DeleteProfile", Kind: ErrNotFound, Msg: "profile"}
	}
	return nil
}

// CreateServer creates a server, its general channel, and the owner's ADMIN
// membership in one transaction.
func (s *PostgresStore) CreateServer(ctx context.Context, ownerProfileID, name, imageURL string) (Server, error) {
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
	invite := ids.NewRandomHex(8)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Server{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "servers")+` (id, name, image_url, invite_code, owner_profile_id, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		serverID, name, imageURL, invite, ownerProfileID, now,
	); err != nil {
		return Server{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "channels")+` (id, server_id, name, type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		channelID, serverID, GeneralChannelName, string(ChannelText), now,
	); err != nil {
		return Server{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "members")+` (id, server_id, profile_id, role)
		 VALUES ($1, $2, $3, $4)`,
		memberID, serverID, ownerProfileID, string(RoleAdmin),
	); err != nil {
		return Server{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Server{}, err
	}

	return Server{
		ID:             serverID,
		Name:           name,
		ImageURL:       imageURL,
		InviteCode:     invite,
		OwnerProfileID: ownerProfileID,
		CreatedAt:      now,
	}, nil
}

// ServerByID resolves a server.
func (s *PostgresStore) ServerByID(ctx context.Context, serverID string) (Server, error) {
	var srv Server
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(image_url, ''), invite_code, owner_profile_id, created_at
		   FROM `+pgIdent(s.schema, "servers")+` WHERE id = $1`,
		serverID,
	).Scan(&srv.ID, &srv.Name, &srv.ImageURL, &srv.InviteCode, &srv.OwnerProfileID, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Server{}, OpError{Op: "chat.ServerByID", Kind: ErrNotFound, Msg: "server"}
	}
	if err != nil {
		return Server{}, err
	}
	return srv, nil
}

// UpdateServer replaces a server's name and image.
func (s *PostgresStore) UpdateServer(ctx context.Context, serverID, name, imageURL string) (Server, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Server{}, OpError{Op: "chat.UpdateServer", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	var srv Server
	err := s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "servers")+`
		    SET name = $2, image_url = NULLIF($3, '')
		  WHERE id = $1
		RETURNING id, name, COALESCE(image_url, ''), invite_code, owner_profile_id, created_at`,
		serverID, name, imageURL,
	).Scan(&srv.ID, &srv.Name, &srv.ImageURL, &srv.InviteCode, &srv.OwnerProfileID, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Server{}, OpError{Op: "chat.UpdateServer", Kind: ErrNotFound, Msg: "server"}
	}
	if err != nil {
		return Server{}, err
	}
	return srv, nil
}

// DeleteServer removes the server row; memberships, channels, and their
// messages go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteServer(ctx context.Context, serverID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "servers")+` WHERE id = $1`,
		serverID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "chat.DeleteServer", Kind: ErrNotFound, Msg: "server"}
	}
	return nil
}

// ServerByInviteCode resolves a server by its invite code.
func (s *PostgresStore) ServerByInviteCode(ctx context.Context, inviteCode string) (Server, error) {
	var srv Server
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(image_url, ''), invite_code, owner_profile_id, created_at
		   FROM `+pgIdent(s.schema, "servers")+` WHERE invite_code = $1`,
		inviteCode,
	).Scan(&srv.ID, &srv.Name, &srv.ImageURL, &srv.InviteCode, &srv.OwnerProfileID, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Server{}, OpError{Op: "chat.ServerByInviteCode", Kind: ErrNotFound, Msg: "server"}
	}
	if err != nil {
		return Server{}, err
	}
	return srv, nil
}

// RotateInviteCode replaces the server's invite code.
func (s *PostgresStore) RotateInviteCode(ctx context.Context, serverID string) (Server, error) {
	invite := ids.NewRandomHex(8)

	var srv Server
	err := s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "servers")+`
		    SET invite_code = $2
		  WHERE id = $1
		RETURNING id, name, COALESCE(image_url, ''), invite_code, owner_profile_id, created_at`,
		serverID, invite,
	).Scan(&srv.ID, &srv.Name, &srv.ImageURL, &srv.InviteCode, &srv.OwnerProfileID, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Server{}, OpError{Op: "chat.RotateInviteCode", Kind: ErrNotFound, Msg: "server"}
	}
	if err != nil {
		return Server{}, err
	}
	return srv, nil
}

// AddMember joins a profile to a server; joining twice keeps the first
// membership (unique on server_id + profile_id).
func (s *PostgresStore) AddMember(ctx context.Context, serverID, profileID string, role Role) (Member, error) {
	memberID, err := ids.NewULID(time.Time{})
	if err != nil {
		return Member{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "members")+` (id, server_id, profile_id, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (server_id, profile_id) DO NOTHING`,
		memberID, serverID, profileID, string(role),
	); err != nil {
		return Member{}, err
	}
	return s.ServerMember(ctx, serverID, profileID)
}

// ServerMember resolves the caller's membership in a server.
func (s *PostgresStore) ServerMember(ctx context.Context, serverID, profileID string) (Member, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT mem.id, mem.server_id, mem.profile_id, mem.role, p.name, COALESCE(p.image_url, '')
		   FROM `+pgIdent(s.schema, "members")+` mem
		   JOIN `+pgIdent(s.schema, "profiles")+` p ON p.id = mem.profile_id
		  WHERE mem.server_id = $1 AND mem.profile_id = $2`,
		serverID, profileID,
	)
	return scanMember(row, "chat.ServerMember")
}

// MemberByID resolves a member by id within a server.
func (s *PostgresStore) MemberByID(ctx context.Context, memberID, serverID string) (Member, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT mem.id, mem.server_id, mem.profile_id, mem.role, p.name, COALESCE(p.image_url, '')
		   FROM `+pgIdent(s.schema, "members")+` mem
		   JOIN `+pgIdent(s.schema, "profiles")+` p ON p.id = mem.profile_id
		  WHERE mem.id = $1 AND mem.server_id = $2`,
		memberID, serverID,
	)
	return scanMember(row, "chat.MemberByID")
}

// UpdateMemberRole replaces a member's role within a server.
func (s *PostgresStore) UpdateMemberRole(ctx context.Context, memberID, serverID string, role Role) (Member, error) {
	if !role.Valid() {
		return Member{}, OpError{Op: "chat.UpdateMemberRole", Kind: ErrInvalidInput, Msg: "unknown role"}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "members")+`
		    SET role = $3
		  WHERE id = $1 AND server_id = $2`,
		memberID, serverID, string(role),
	)
	if err != nil {
		return Member{}, err
	}
	if tag.RowsAffected() == 0 {
		return Member{}, OpError{Op: "chat.UpdateMemberRole", Kind: ErrNotFound, Msg: "member"}
	}
	return s.MemberByID(ctx, memberID, serverID)
}

// RemoveMember drops a membership; the member's messages and conversations
// cascade with it.
func (s *PostgresStore) RemoveMember(ctx context.Context, memberID, serverID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "members")+` WHERE id = $1 AND server_id = $2`,
		memberID, serverID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "chat.RemoveMember", Kind: ErrNotFound, Msg: "member"}
	}
	return nil
}

func scanMember(row pgx.Row, op string) (Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.ServerID, &m.ProfileID, &m.Role, &m.Profile.Name, &m.Profile.ImageURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, OpError{Op: op, Kind: ErrNotFound, Msg: "member"}
	}
	if err != nil {
		return Member{}, err
	}
	m.Profile.ID = m.ProfileID
	return m, nil
}

// CreateChannel adds a channel to a server; duplicate names are rejected by
// the unique index.
func (s *PostgresStore) CreateChannel(ctx context.Context, serverID, name string, channelType ChannelType) (Channel, error) {
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

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "channels")+` (id, server_id, name, type, created_at, updated_at)
		 SELECT $1, $2, $3, $4, $5, $5
		  WHERE EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "servers")+` WHERE id = $2)
		 ON CONFLICT (server_id, name) DO NOTHING`,
		id, serverID, name, string(channelType), now,
	)
	if err != nil {
		return Channel{}, err
	}
	if tag.RowsAffected() == 0 {
		// Either the server is missing or the name is taken.
		var one int
		err := s.pool.QueryRow(ctx,
			`SELECT 1 FROM `+pgIdent(s.schema, "servers")+` WHERE id = $1`, serverID,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, OpError{Op: "chat.CreateChannel", Kind: ErrNotFound, Msg: "server"}
		}
		if err != nil {
			return Channel{}, err
		}
		return Channel{}, OpError{Op: "chat.CreateChannel", Kind: ErrInvalidInput, Msg: "duplicate channel name"}
	}

	return Channel{ID: id, ServerID: serverID, Name: name, Type: channelType, CreatedAt: now, UpdatedAt: now}, nil
}

// Channel resolves a channel by id within a server.
func (s *PostgresStore) Channel(ctx context.Context, channelID, serverID string) (Channel, error) {
	var c Channel
	err := s.pool.QueryRow(ctx,
		`SELECT id, server_id, name, type, created_at, updated_at
		   FROM `+pgIdent(s.schema, "channels")+`
		  WHERE id = $1 AND server_id = $2`,
		channelID, serverID,
	).Scan(&c.ID, &c.ServerID, &c.Name, &c.Type, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, OpError{Op: "chat.Channel", Kind: ErrNotFound, Msg: "channel"}
	}
	if err != nil {
		return Channel{}, err
	}
	return c, nil
}

// ChannelServerID resolves a channel's owning server.
func (s *PostgresStore) ChannelServerID(ctx context.Context, channelID string) (string, error) {
	var serverID string
	err := s.pool.QueryRow(ctx,
		`SELECT server_id FROM `+pgIdent(s.schema, "channels")+` WHERE id = $1`,
		channelID,
	).Scan(&serverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", OpError{Op: "chat.ChannelServerID", Kind: ErrNotFound, Msg: "channel"}
	}
	if err != nil {
		return "", err
	}
	return serverID, nil
}

// RenameChannel updates a channel name.
func (s *PostgresStore) RenameChannel(ctx context.Context, channelID, serverID, name string) (Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrInvalidInput, Msg: "missing name"}
	}

	var c Channel
	err := s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "channels")+`
		    SET name = $3, updated_at = now()
		  WHERE id = $1 AND server_id = $2
		RETURNING id, server_id, name, type, created_at, updated_at`,
		channelID, serverID, name,
	).Scan(&c.ID, &c.ServerID, &c.Name, &c.Type, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrNotFound, Msg: "channel"}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return Channel{}, OpError{Op: "chat.RenameChannel", Kind: ErrInvalidInput, Msg: "duplicate channel name"}
		}
		return Channel{}, err
	}
	return c, nil
}

// DeleteChannel removes a channel row. Messages keep their rows (soft model).
func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID, serverID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "channels")+` WHERE id = $1 AND server_id = $2`,
		channelID, serverID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "chat.DeleteChannel", Kind: ErrNotFound, Msg: "channel"}
	}
	return nil
}

// EnsureConversation returns the conversation between two members, creating
// it on first use. The pair is stored in normalized order so either calling
// order resolves the same row.
func (s *PostgresStore) EnsureConversation(ctx context.Context, memberOneID, memberTwoID string) (Conversation, error) {
	if memberOneID == "" || memberTwoID == "" || memberOneID == memberTwoID {
		return Conversation{}, OpError{Op: "chat.EnsureConversation", Kind: ErrInvalidInput, Msg: "invalid member pair"}
	}
	if memberTwoID < memberOneID {
		memberOneID, memberTwoID = memberTwoID, memberOneID
	}

	id, err := ids.NewULID(time.Time{})
	if err != nil {
		return Conversation{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, member_one_id, member_two_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (member_one_id, member_two_id) DO NOTHING`,
		id, memberOneID, memberTwoID,
	); err != nil {
		return Conversation{}, err
	}

	var c Conversation
	err = s.pool.QueryRow(ctx,
		`SELECT id, member_one_id, member_two_id
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE member_one_id = $1 AND member_two_id = $2`,
		memberOneID, memberTwoID,
	).Scan(&c.ID, &c.MemberOneID, &c.MemberTwoID)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// Conversation resolves a conversation by id.
func (s *PostgresStore) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, member_one_id, member_two_id
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.MemberOneID, &c.MemberTwoID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, OpError{Op: "chat.Conversation", Kind: ErrNotFound, Msg: "conversation"}
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// ConversationMember resolves the conversation and the participant member
// owned by profileID.
func (s *PostgresStore) ConversationMember(ctx context.Context, conversationID, profileID string) (Conversation, Member, error) {
	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, Member{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT mem.id, mem.server_id, mem.profile_id, mem.role, p.name, COALESCE(p.image_url, '')
		   FROM `+pgIdent(s.schema, "members")+` mem
		   JOIN `+pgIdent(s.schema, "profiles")+` p ON p.id = mem.profile_id
		  WHERE mem.id IN ($1, $2) AND mem.profile_id = $3`,
		conv.MemberOneID, conv.MemberTwoID, profileID,
	)
	m, err := scanMember(row, "chat.ConversationMember")
	if err != nil {
		return Conversation{}, Member{}, err
	}
	return conv, m, nil
}

// ---- identifier helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func isUniqueViolation(err error) bool {
	// 23505 is unique_violation; string match keeps pgconn out of the import set.
	return err != nil && strings.Contains(err.Error(), "23505")
}
