package model_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ioteventfeed/feedsync/internal/model"
)

func TestEvent_JSONUsesUnixMillis(t *testing.T) {
	raw := `{"id":"e1","device_id":"DEVICE-001","device_name":"Main","type":"tailgating_detection",
		"severity":"CRITICAL","message":"m","timestamp":1705312200123,"location":"Lobby"}`

	var e model.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := e.TimestampMillis(); got != 1705312200123 {
		t.Errorf("TimestampMillis = %d, want 1705312200123", got)
	}
	if e.Severity != model.SeverityCritical {
		t.Errorf("Severity = %q, want critical", e.Severity)
	}
	if e.HasAttachment() {
		t.Error("HasAttachment = true for event without download_url")
	}

	out, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), `"timestamp":1705312200123`) {
		t.Errorf("marshalled event %s does not carry millisecond timestamp", out)
	}
	if strings.Contains(string(out), "download_url") {
		t.Errorf("marshalled event %s should omit empty download_url", out)
	}
}

func TestParseSeverity_UnknownValues(t *testing.T) {
	cases := map[string]model.Severity{
		"info":    model.SeverityInfo,
		" Error ": model.SeverityError,
		"warning": model.SeverityWarning,
		"fatal":   model.SeverityUnknown,
		"":        model.SeverityUnknown,
	}
	for in, want := range cases {
		if got := model.ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func at(ms int64, id string) model.Event {
	return model.Event{ID: id, Timestamp: time.UnixMilli(ms)}
}

func TestSortEvents_TimestampThenIDDescending(t *testing.T) {
	events := []model.Event{at(100, "a"), at(200, "a"), at(100, "c"), at(100, "b")}
	model.SortEvents(events)

	want := []string{"a", "c", "b", "a"}
	for i, e := range events {
		if e.ID != want[i] {
			t.Fatalf("order[%d] = %s@%d, want id %s", i, e.ID, e.TimestampMillis(), want[i])
		}
	}
	if !model.IsSorted(events) {
		t.Error("IsSorted = false after SortEvents")
	}
}

func TestCursor_Comparisons(t *testing.T) {
	c := model.CursorOf(at(100, "m"))

	if !c.OlderThan(at(99, "z")) {
		t.Error("earlier timestamp should be older")
	}
	if !c.OlderThan(at(100, "a")) {
		t.Error("same timestamp, smaller id should be older")
	}
	if c.OlderThan(at(100, "m")) || c.NewerThan(at(100, "m")) {
		t.Error("cursor event itself is neither older nor newer")
	}
	if !c.NewerThan(at(100, "n")) {
		t.Error("same timestamp, greater id should be newer")
	}
	if !c.NewerThan(at(101, "a")) {
		t.Error("later timestamp should be newer")
	}
}

func TestFileID_LastPathSegment(t *testing.T) {
	cases := []struct {
		event, url, want string
	}{
		{"e1", "/api/files/system_log_1.txt", "e1_system_log_1.txt"},
		{"e1", "https://cdn.example.com/logs/a.bin?sig=1", "e1_a.bin"},
		{"e2", "/api/files/dir/", "e2_dir"},
	}
	for _, tc := range cases {
		if got := model.FileID(tc.event, tc.url); got != tc.want {
			t.Errorf("FileID(%q, %q) = %q, want %q", tc.event, tc.url, got, tc.want)
		}
	}
}

func TestLocalNameFor_Sanitizes(t *testing.T) {
	got := model.LocalNameFor("e1", `/api/files/a:b*c%3F.txt`)
	if got != "e1_a_b_c_.txt" {
		t.Errorf("LocalNameFor = %q, want %q", got, "e1_a_b_c_.txt")
	}
}

// ---------------------------------------------------------------------------
// Pagination
// ---------------------------------------------------------------------------

func sortedSeq(n int) []model.Event {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := make([]model.Event, n)
	for i := range events {
		events[i] = model.Event{ID: fmt.Sprintf("e%02d", i), Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	model.SortEvents(events)
	return events
}

func TestPaginate_NewestPage(t *testing.T) {
	events := sortedSeq(25)
	p := model.Paginate(events, nil, nil, 20)
	if len(p.Events) != 20 || !p.HasNext {
		t.Fatalf("len=%d has_next=%v, want 20 true", len(p.Events), p.HasNext)
	}
	if p.Events[0].ID != "e24" {
		t.Errorf("first = %s, want e24", p.Events[0].ID)
	}
	if p.NextCursor == nil || p.NextCursor.EventID != p.Events[19].ID {
		t.Errorf("NextCursor = %+v, want last event of page", p.NextCursor)
	}
}

func TestPaginate_AfterCursor(t *testing.T) {
	events := sortedSeq(25)
	cur := model.CursorOf(events[19])
	p := model.Paginate(events, &cur, nil, 20)
	if len(p.Events) != 5 || p.HasNext || p.NextCursor != nil {
		t.Fatalf("page = %d events has_next=%v cursor=%v, want 5 false nil", len(p.Events), p.HasNext, p.NextCursor)
	}
	if p.Events[0].ID != events[20].ID {
		t.Errorf("first = %s, want %s", p.Events[0].ID, events[20].ID)
	}
}

func TestPaginate_BeforeCursorReturnsNewestOfNewer(t *testing.T) {
	events := sortedSeq(30)
	cur := model.CursorOf(events[25]) // 25 events are newer
	p := model.Paginate(events, nil, &cur, 20)
	if len(p.Events) != 20 || !p.HasNext {
		t.Fatalf("len=%d has_next=%v, want 20 true", len(p.Events), p.HasNext)
	}
	if p.Events[0].ID != events[0].ID {
		t.Errorf("first = %s, want newest %s", p.Events[0].ID, events[0].ID)
	}

	cur = model.CursorOf(events[3])
	p = model.Paginate(events, nil, &cur, 20)
	if len(p.Events) != 3 || p.HasNext {
		t.Errorf("len=%d has_next=%v, want 3 false", len(p.Events), p.HasNext)
	}
}

func TestPaginate_TiesBrokenByID(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []model.Event{{ID: "c", Timestamp: ts}, {ID: "b", Timestamp: ts}, {ID: "a", Timestamp: ts}}
	cur := model.Cursor{TimestampMillis: ts.UnixMilli(), EventID: "b"}
	if p := model.Paginate(events, &cur, nil, 10); len(p.Events) != 1 || p.Events[0].ID != "a" {
		t.Errorf("after b = %+v, want [a]", p.Events)
	}
	if p := model.Paginate(events, nil, &cur, 10); len(p.Events) != 1 || p.Events[0].ID != "c" {
		t.Errorf("before b = %+v, want [c]", p.Events)
	}
}

func TestPaginate_EmptyAndLimits(t *testing.T) {
	p := model.Paginate(nil, nil, nil, 0)
	if p.Events == nil || len(p.Events) != 0 || p.HasNext {
		t.Errorf("empty page = %+v", p)
	}
	if got := model.ClampLimit(500); got != model.MaxPageLimit {
		t.Errorf("ClampLimit(500) = %d", got)
	}
	if got := model.ClampLimit(0); got != model.DefaultPageLimit {
		t.Errorf("ClampLimit(0) = %d", got)
	}
}

func TestCountNewer(t *testing.T) {
	events := sortedSeq(5)
	events[0].Severity = model.SeverityCritical
	n := model.CountNewer(events, events[2].TimestampMillis())
	if n.TotalCount != 2 || n.CriticalCount != 1 {
		t.Errorf("CountNewer = %+v, want {2 1}", n)
	}
}
