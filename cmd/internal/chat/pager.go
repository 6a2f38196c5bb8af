package chat

import (
	"context"
	"strings"
)

// DefaultPageSize is the fixed history page size. Changing it is a
// configuration concern, never a per-call parameter.
const DefaultPageSize = 20

// Page is one reverse-chronological window of history.
// NextCursor is the id of the oldest item when the page is full, otherwise
// empty, signaling no further history.
type Page struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Pager produces fixed-size pages from a MessageStore with an opaque
// continuation token (a message id).
type Pager struct {
	store    MessageStore
	pageSize int
}

// NewPager constructs a Pager. pageSize <= 0 falls back to DefaultPageSize.
func NewPager(store MessageStore, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{store: store, pageSize: pageSize}
}

// PageSize returns the fixed page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Page returns the page of messages strictly older than cursor, or the most
// recent page when cursor is empty. An empty scope yields an empty page with
// no cursor.
func (p *Pager) Page(ctx context.Context, scope Scope, cursor string) (Page, error) {
	if err := scope.Validate(); err != nil {
		return Page{}, err
	}

	items, _, err := p.store.ListPage(ctx, scope, strings.TrimSpace(cursor), p.pageSize)
	if err != nil {
		return Page{}, err
	}

	out := Page{Items: items}
	if len(items) == p.pageSize {
		out.NextCursor = items[len(items)-1].ID
	}
	return out, nil
}
