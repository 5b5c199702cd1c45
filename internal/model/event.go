// Package model holds the data types shared by the feedsync client and the
// development feed server: events, cursors, users, download records and
// the JSON wire envelopes of the remote event API.
package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Severity classifies an event. Unrecognised wire values decode to
// SeverityUnknown.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity maps a wire string to a Severity, case-insensitively.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityError:
		return SeverityError
	case SeverityWarning:
		return SeverityWarning
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Event is a single IoT device event. Events are immutable once stored.
type Event struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"` // Unix milliseconds on the wire
	Location    string    `json:"location"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// MarshalJSON encodes Timestamp as Unix milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(&struct {
		Timestamp int64 `json:"timestamp"`
		*alias
	}{
		Timestamp: e.Timestamp.UnixMilli(),
		alias:     (*alias)(&e),
	})
}

// UnmarshalJSON decodes a Unix-millisecond Timestamp and normalises the
// severity.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := &struct {
		Timestamp int64  `json:"timestamp"`
		Severity  string `json:"severity"`
		*alias
	}{
		alias: (*alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	e.Timestamp = time.UnixMilli(aux.Timestamp).UTC()
	e.Severity = ParseSeverity(aux.Severity)
	return nil
}

// TimestampMillis returns the event time as Unix milliseconds.
func (e Event) TimestampMillis() int64 { return e.Timestamp.UnixMilli() }

// HasAttachment reports whether the event references a downloadable file.
func (e Event) HasAttachment() bool { return e.DownloadURL != "" }

// Cursor identifies a position in the (timestamp desc, id desc) order. It is
// always taken from an event that was actually fetched or cached.
type Cursor struct {
	TimestampMillis int64  `json:"timestamp"`
	EventID         string `json:"event_id"`
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e Event) Cursor {
	return Cursor{TimestampMillis: e.TimestampMillis(), EventID: e.ID}
}

// Precedes reports whether a sorts before b in feed order: newer timestamp
// first, then the lexicographically greater id.
func Precedes(a, b Event) bool {
	at, bt := a.TimestampMillis(), b.TimestampMillis()
	if at != bt {
		return at > bt
	}
	return a.ID > b.ID
}

// OlderThan reports whether e sorts strictly after c in feed order.
func (c Cursor) OlderThan(e Event) bool {
	ts := e.TimestampMillis()
	return ts < c.TimestampMillis || (ts == c.TimestampMillis && e.ID < c.EventID)
}

// NewerThan reports whether e sorts strictly before c in feed order.
func (c Cursor) NewerThan(e Event) bool {
	ts := e.TimestampMillis()
	return ts > c.TimestampMillis || (ts == c.TimestampMillis && e.ID > c.EventID)
}

// SortEvents orders events newest first, ties broken by id descending.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return Precedes(events[i], events[j]) })
}

// IsSorted reports whether events are in feed order with no duplicate ids.
func IsSorted(events []Event) bool {
	for i := 1; i < len(events); i++ {
		if !Precedes(events[i-1], events[i]) {
			return false
		}
	}
	return true
}
