package chat

import (
	"fmt"
	"strings"
)

// ScopeKind distinguishes the two message containers.
type ScopeKind string

const (
	ScopeChannel      ScopeKind = "channel"
	ScopeConversation ScopeKind = "conversation"
)

// Scope is the addressable context a message belongs to: exactly one
// channel or one direct conversation. All topic strings are derived here,
// never string-interpolated at call sites.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// ChannelScope returns a channel-kinded scope.
func ChannelScope(channelID string) Scope {
	return Scope{Kind: ScopeChannel, ID: channelID}
}

// ConversationScope returns a conversation-kinded scope.
func ConversationScope(conversationID string) Scope {
	return Scope{Kind: ScopeConversation, ID: conversationID}
}

// Validate performs structural validation.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeChannel, ScopeConversation:
	default:
		return OpError{Op: "chat.Scope", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown scope kind: %q", s.Kind)}
	}
	if strings.TrimSpace(s.ID) == "" {
		return OpError{Op: "chat.Scope", Kind: ErrInvalidInput, Msg: "missing scope id"}
	}
	return nil
}

// MessagesTopic is the creation fan-out topic for this scope.
func (s Scope) MessagesTopic() string {
	return "chat:" + s.ID + ":messages"
}

// UpdatesTopic is the edit/soft-delete fan-out topic for this scope.
// Deletion is modeled as an update carrying Deleted=true; there is no
// distinct deleted topic.
func (s Scope) UpdatesTopic() string {
	return s.MessagesTopic() + ":update"
}

// key is the broadcaster registry key. It is intentionally distinct from
// the wire topics so a subscription covers both created and updated events.
func (s Scope) key() string {
	return string(s.Kind) + ":" + s.ID
}

// ScopeFromTopic recovers the scope addressed by a wire topic, either the
// base "chat:{id}:messages" form or its ":update" variant. Topics do not
// encode the container kind, so the caller supplies it (defaulting to
// channel when empty).
func ScopeFromTopic(topic string, kind ScopeKind) (Scope, error) {
	if kind == "" {
		kind = ScopeChannel
	}

	rest, ok := strings.CutPrefix(topic, "chat:")
	if !ok {
		return Scope{}, OpError{Op: "chat.ScopeFromTopic", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown topic: %q", topic)}
	}
	rest = strings.TrimSuffix(rest, ":update")
	id, ok := strings.CutSuffix(rest, ":messages")
	if !ok || strings.TrimSpace(id) == "" || strings.Contains(id, ":") {
		return Scope{}, OpError{Op: "chat.ScopeFromTopic", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown topic: %q", topic)}
	}

	s := Scope{Kind: kind, ID: id}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}
