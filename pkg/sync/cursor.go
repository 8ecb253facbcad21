package sync

import (
	"net/url"
	"strconv"
	"time"

	"github.com/ripixel/stridesync-server/pkg/types"
)

// NewCursor builds the initial cursor for a sync request. A nil or zero
// window means "all time", which pages from page 1; a bounded window uses
// the upstream's after/before parameters instead.
func NewCursor(window *types.SyncWindow, perPage int, now time.Time) *types.Cursor {
	if window == nil || (window.RelativeDays == 0 && window.After == 0 && window.Before == 0) {
		return &types.Cursor{
			Mode:    types.CursorModePage,
			Page:    1,
			PerPage: perPage,
		}
	}

	after := window.After
	before := window.Before
	if window.RelativeDays > 0 {
		after = now.AddDate(0, 0, -window.RelativeDays).Unix()
		before = now.Unix()
	}

	return &types.Cursor{
		Mode:    types.CursorModeWindow,
		PerPage: perPage,
		After:   after,
		Before:  before,
	}
}

// CursorQuery renders the cursor as upstream query parameters.
func CursorQuery(c *types.Cursor) url.Values {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.PerPage))
	switch c.Mode {
	case types.CursorModeWindow:
		if c.After > 0 {
			q.Set("after", strconv.FormatInt(c.After, 10))
		}
		if c.Before > 0 {
			q.Set("before", strconv.FormatInt(c.Before, 10))
		}
	default:
		q.Set("page", strconv.Itoa(c.Page))
	}
	return q
}

// AdvanceCursor computes the cursor for the next chunk, or nil when the
// page was the last one. Termination is decided by the raw (unfiltered)
// page size: a short raw page means the upstream has nothing further,
// even if every item on it was filtered out.
func AdvanceCursor(c *types.Cursor, rawCount int, lastStart time.Time) *types.Cursor {
	if rawCount < c.PerPage {
		return nil
	}

	next := *c
	switch c.Mode {
	case types.CursorModeWindow:
		// Upstream returns oldest-first under `after`, and `after` is
		// exclusive. Advancing straight to the last item's start second
		// would drop other activities in that same second, so step back
		// one second and let the persist stage dedup the re-fetched
		// boundary items.
		next.After = lastStart.Unix() - 1
		if next.After <= c.After {
			// The whole page shares one second; advancing past it is
			// the only way the window makes progress.
			next.After = lastStart.Unix()
		}
	default:
		next.Page = c.Page + 1
	}
	return &next
}
