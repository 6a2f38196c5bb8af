// Package chatclient is parley's client-side reconciler: it merges websocket
// push events into a paginated message cache and falls back to polling the
// history endpoint while the socket is down.
package chatclient

import (
	"sync"

	"parley/cmd/internal/chat"
)

// Pages is the client view of history: pages[0] is the newest window, each
// page sorted newest-first, exactly as served by the pager.

// ApplyCreated merges a freshly created message into the cached pages,
// copy-on-write. Rules:
//   - If the id is already cached anywhere (the creator saw its own HTTP
//     response, or the event arrived twice), the cache is returned unchanged.
//   - Otherwise the message is prepended to the first page.
//   - With no pages yet, a synthetic first page is created.
func ApplyCreated(pages [][]chat.Message, msg chat.Message) [][]chat.Message {
	if containsID(pages, msg.ID) {
		return pages
	}

	if len(pages) == 0 {
		return [][]chat.Message{{msg}}
	}

	out := make([][]chat.Message, len(pages))
	copy(out, pages)

	first := make([]chat.Message, 0, len(pages[0])+1)
	first = append(first, msg)
	first = append(first, pages[0]...)
	out[0] = first
	return out
}

// ApplyUpdated replaces the cached copy of an edited or soft-deleted message,
// copy-on-write. Events for messages outside the cached window are ignored:
// the authoritative copy arrives when that page is fetched.
func ApplyUpdated(pages [][]chat.Message, msg chat.Message) [][]chat.Message {
	pi, mi := findID(pages, msg.ID)
	if pi < 0 {
		return pages
	}

	out := make([][]chat.Message, len(pages))
	copy(out, pages)

	page := make([]chat.Message, len(pages[pi]))
	copy(page, pages[pi])
	page[mi] = msg
	out[pi] = page
	return out
}

// ReplaceFirstPage swaps in a freshly fetched newest window, keeping older
// pages intact. Used by the poll fallback and on reconnect.
func ReplaceFirstPage(pages [][]chat.Message, items []chat.Message) [][]chat.Message {
	if len(pages) == 0 {
		return [][]chat.Message{items}
	}

	out := make([][]chat.Message, len(pages))
	copy(out, pages)
	out[0] = items
	return out
}

func containsID(pages [][]chat.Message, id string) bool {
	pi, _ := findID(pages, id)
	return pi >= 0
}

func findID(pages [][]chat.Message, id string) (pageIdx, msgIdx int) {
	for pi, page := range pages {
		for mi, m := range page {
			if m.ID == id {
				return pi, mi
			}
		}
	}
	return -1, -1
}

// PageCache is the concurrency-safe wrapper around the pure page operations.
// All mutation goes through the Apply*/Replace*/Append methods; Snapshot
// returns the current immutable page slices.
type PageCache struct {
	mu    sync.RWMutex
	pages [][]chat.Message

	// nextCursor is the continuation token after the last fetched page;
	// empty means history is exhausted.
	nextCursor string
}

// NewPageCache constructs an empty cache.
func NewPageCache() *PageCache {
	return &PageCache{}
}

// Snapshot returns the current pages. Callers must not mutate them.
func (c *PageCache) Snapshot() [][]chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pages
}

// NextCursor returns the continuation token after the last fetched page.
func (c *PageCache) NextCursor() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextCursor
}

// ApplyCreated merges a created event.
func (c *PageCache) ApplyCreated(msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = ApplyCreated(c.pages, msg)
}

// ApplyUpdated merges an edit or soft-delete event.
func (c *PageCache) ApplyUpdated(msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = ApplyUpdated(c.pages, msg)
}

// ReplaceFirst swaps the newest window and, when the cache was empty,
// records the continuation cursor.
func (c *PageCache) ReplaceFirst(items []chat.Message, nextCursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := len(c.pages) == 0
	c.pages = ReplaceFirstPage(c.pages, items)
	if fresh {
		c.nextCursor = nextCursor
	}
}

// AppendPage adds an older page at the end and advances the cursor.
func (c *PageCache) AppendPage(items []chat.Message, nextCursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]chat.Message, len(c.pages), len(c.pages)+1)
	copy(out, c.pages)
	c.pages = append(out, items)
	c.nextCursor = nextCursor
}
