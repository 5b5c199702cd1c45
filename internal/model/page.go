package model

// Page limits shared by the remote API and its in-memory implementations.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// ClampLimit maps a requested page size onto [1, MaxPageLimit], with
// DefaultPageLimit for non-positive requests.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// Paginate selects one page from events, which must already be in feed
// order. With after set, the page holds events strictly older than the
// cursor; with before set, the newest events strictly newer than it; with
// neither, the newest events overall. HasNext reports whether more events
// matched than fit in the page, and NextCursor is the last event of a
// non-empty page that has a successor.
func Paginate(events []Event, after, before *Cursor, limit int) EventPage {
	limit = ClampLimit(limit)

	matched := events
	if after != nil || before != nil {
		matched = make([]Event, 0, len(events))
		for _, e := range events {
			if after != nil && !after.OlderThan(e) {
				continue
			}
			if before != nil && !before.NewerThan(e) {
				continue
			}
			matched = append(matched, e)
		}
	}

	page := EventPage{Events: []Event{}}
	if len(matched) == 0 {
		return page
	}
	n := limit
	if n > len(matched) {
		n = len(matched)
	}
	page.Events = append(page.Events, matched[:n]...)
	page.HasNext = n < len(matched)
	if page.HasNext {
		c := CursorOf(page.Events[n-1])
		page.NextCursor = &c
	}
	return page
}

// CountNewer returns the total and critical number of events strictly newer
// than afterMillis.
func CountNewer(events []Event, afterMillis int64) NewEventsCount {
	var n NewEventsCount
	for _, e := range events {
		if e.TimestampMillis() <= afterMillis {
			continue
		}
		n.TotalCount++
		if e.Severity == SeverityCritical {
			n.CriticalCount++
		}
	}
	return n
}
