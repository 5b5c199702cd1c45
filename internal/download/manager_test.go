package download_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ioteventfeed/feedsync/internal/cache"
	"github.com/ioteventfeed/feedsync/internal/connectivity"
	"github.com/ioteventfeed/feedsync/internal/download"
	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
)

// ---------------------------------------------------------------------------
// Fakes and helpers
// ---------------------------------------------------------------------------

var eventTS = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeOpener serves payload for every ref.
type fakeOpener struct {
	payload []byte
	// unknownLength reports -1 as the content length.
	unknownLength bool
	// err, when set, is returned by Open.
	err error
	// failAfter, when > 0, makes the body fail after that many bytes.
	failAfter int
	// gate, when non-nil, blocks Open until closed.
	gate chan struct{}
	// hang makes the body block after the first chunk until ctx ends.
	hang bool

	started chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func (o *fakeOpener) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	o.calls.Add(1)
	if o.started != nil {
		o.once.Do(func() { close(o.started) })
	}
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if o.err != nil {
		return nil, 0, o.err
	}
	length := int64(len(o.payload))
	if o.unknownLength {
		length = -1
	}
	var r io.Reader = bytes.NewReader(o.payload)
	switch {
	case o.failAfter > 0:
		r = io.MultiReader(bytes.NewReader(o.payload[:o.failAfter]), errReader{})
	case o.hang:
		r = &hangReader{ctx: ctx, first: o.payload[:1024]}
	}
	return io.NopCloser(r), length, nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

// hangReader returns first and then blocks until ctx is done.
type hangReader struct {
	ctx   context.Context
	first []byte
	done  bool
}

func (r *hangReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.first), nil
	}
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

type fixture struct {
	opener *fakeOpener
	store  *cache.Cache
	net    *connectivity.Static
	mgr    *download.Manager
	dir    string
}

func newFixture(t *testing.T, opener *fakeOpener) *fixture {
	t.Helper()
	store, err := cache.New(":memory:")
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "downloads")
	f := &fixture{opener: opener, store: store, net: connectivity.NewStatic(true), dir: dir}
	f.mgr, err = download.New(opener, store, f.net, dir)
	if err != nil {
		t.Fatalf("download.New: %v", err)
	}
	t.Cleanup(func() {
		f.mgr.Close()
		_ = store.Close()
	})
	return f
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// dirEntries lists the names in the downloads directory.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

const url = "/api/files/system_log_1.txt"

// ---------------------------------------------------------------------------
// Download
// ---------------------------------------------------------------------------

func TestDownload_WritesFileAndRecord(t *testing.T) {
	data := payload(100 << 10)
	f := newFixture(t, &fakeOpener{payload: data})
	ctx := context.Background()

	rec, err := f.mgr.Download(ctx, "evt-1", url, eventTS)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if rec.ID != "evt-1_system_log_1.txt" || rec.RemoteFilename != "system_log_1.txt" {
		t.Errorf("record = %+v", rec)
	}
	if rec.SizeBytes == nil || *rec.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %v, want %d", rec.SizeBytes, len(data))
	}
	if !rec.EventTimestamp.Equal(eventTS) {
		t.Errorf("EventTimestamp = %v", rec.EventTimestamp)
	}

	got, err := os.ReadFile(f.mgr.LocalPath(rec))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("file content differs from payload")
	}
	if names := dirEntries(t, f.dir); len(names) != 1 {
		t.Errorf("dir = %v, want only the final file", names)
	}

	ok, err := f.mgr.IsDownloaded(ctx, "evt-1", url)
	if err != nil || !ok {
		t.Errorf("IsDownloaded = (%v, %v), want (true, nil)", ok, err)
	}
	if n := f.mgr.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}

func TestDownload_AlreadyDownloadedIsNoop(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(10)})
	ctx := context.Background()

	if _, err := f.mgr.Download(ctx, "evt-1", url, eventTS); err != nil {
		t.Fatalf("Download: %v", err)
	}
	f.net.Set(false)
	if _, err := f.mgr.Download(ctx, "evt-1", url, eventTS); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if n := f.opener.calls.Load(); n != 1 {
		t.Errorf("Open calls = %d, want 1", n)
	}
}

func TestDownload_ConcurrentCallersShareOneTransfer(t *testing.T) {
	opener := &fakeOpener{payload: payload(300 << 10), gate: make(chan struct{}), started: make(chan struct{})}
	f := newFixture(t, opener)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]model.DownloadRecord, n)
	errsOut := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = f.mgr.Download(ctx, "evt-1", url, eventTS)
		}(i)
	}

	<-opener.started
	time.Sleep(50 * time.Millisecond)
	close(opener.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errsOut[i] != nil {
			t.Fatalf("caller %d: %v", i, errsOut[i])
		}
		if results[i].ID != results[0].ID || results[i].LocalName != results[0].LocalName {
			t.Errorf("caller %d saw %+v, want %+v", i, results[i], results[0])
		}
	}
	if calls := opener.calls.Load(); calls != 1 {
		t.Errorf("Open calls = %d, want 1", calls)
	}
	list, _ := f.store.ListDownloads(ctx)
	if len(list) != 1 {
		t.Errorf("records = %d, want 1", len(list))
	}
}

func TestDownload_ConcurrentCallersShareFailure(t *testing.T) {
	opener := &fakeOpener{
		err:     &errs.StatusError{Op: "GET " + url, Status: 500, Kind: errs.ErrDownloadFailed},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	f := newFixture(t, opener)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS)
			if errors.Is(err, errs.ErrDownloadFailed) && errs.StatusOf(err) == 500 {
				failures.Add(1)
			}
		}()
	}
	<-opener.started
	time.Sleep(50 * time.Millisecond)
	close(opener.gate)
	wg.Wait()

	if n := failures.Load(); n != 4 {
		t.Errorf("callers seeing the failure = %d, want 4", n)
	}
}

func TestDownload_OfflineRefused(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(10)})
	f.net.Set(false)

	_, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS)
	if !errors.Is(err, errs.ErrNetworkUnavailable) {
		t.Errorf("err = %v, want ErrNetworkUnavailable", err)
	}
	if n := f.opener.calls.Load(); n != 0 {
		t.Errorf("Open calls = %d, want 0", n)
	}
}

func TestDownload_FailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(200 << 10), failAfter: 70 << 10})
	ctx := context.Background()

	_, err := f.mgr.Download(ctx, "evt-1", url, eventTS)
	if !errors.Is(err, errs.ErrDownloadFailed) {
		t.Fatalf("err = %v, want ErrDownloadFailed", err)
	}
	if names := dirEntries(t, f.dir); len(names) != 0 {
		t.Errorf("dir after failure = %v, want empty", names)
	}
	if _, err := f.store.GetDownload(ctx, "evt-1_system_log_1.txt"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetDownload err = %v, want ErrNotFound", err)
	}
	if _, ok := f.mgr.Progress("evt-1", url); ok {
		t.Error("progress entry left after failure")
	}
}

func TestDownload_StatusErrorPropagates(t *testing.T) {
	f := newFixture(t, &fakeOpener{err: &errs.StatusError{Op: "GET " + url, Status: 404, Kind: errs.ErrDownloadFailed}})

	_, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS)
	if !errors.Is(err, errs.ErrDownloadFailed) || errs.StatusOf(err) != 404 {
		t.Errorf("err = %v, want ErrDownloadFailed with status 404", err)
	}
}

func TestDownload_CallerContextDoesNotAbortTransfer(t *testing.T) {
	opener := &fakeOpener{payload: payload(10), gate: make(chan struct{}), started: make(chan struct{})}
	f := newFixture(t, opener)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.mgr.Download(ctx, "evt-1", url, eventTS)
		errc <- err
	}()
	<-opener.started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(opener.gate)
	rec, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS)
	if err != nil {
		t.Fatalf("Download after release: %v", err)
	}
	if rec.ID == "" {
		t.Error("empty record")
	}
	if n := opener.calls.Load(); n != 1 {
		t.Errorf("Open calls = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel_RemovesPartialFile(t *testing.T) {
	opener := &fakeOpener{payload: payload(4 << 20), hang: true, started: make(chan struct{})}
	f := newFixture(t, opener)

	errc := make(chan error, 1)
	go func() {
		_, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS)
		errc <- err
	}()
	<-opener.started

	deadline := time.Now().Add(2 * time.Second)
	for !f.mgr.Cancel("evt-1", url) {
		if time.Now().After(deadline) {
			t.Fatal("transfer never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) || !errors.Is(err, errs.ErrDownloadFailed) {
			t.Errorf("err = %v, want cancelled download failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Download did not return after Cancel")
	}

	if names := dirEntries(t, f.dir); len(names) != 0 {
		t.Errorf("dir after cancel = %v, want empty", names)
	}
	if _, ok := f.mgr.Progress("evt-1", url); ok {
		t.Error("progress entry left after cancel")
	}
	if f.mgr.Cancel("evt-1", url) {
		t.Error("second Cancel reported an active transfer")
	}
}

// ---------------------------------------------------------------------------
// Progress
// ---------------------------------------------------------------------------

func TestProgress_ThrottledAndFinishesAtOne(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(3 << 20)})

	sub := f.mgr.Subscribe(context.Background())
	if _, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS); err != nil {
		t.Fatalf("Download: %v", err)
	}

	var updates []download.Progress
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case p := <-sub:
			if p.Done {
				done = true
				break
			}
			updates = append(updates, p)
		case <-timeout:
			t.Fatal("no Done update")
		}
	}

	if len(updates) < 3 {
		t.Fatalf("updates = %d, want several", len(updates))
	}
	// 3 MiB at one update per 256 KiB plus the start and the final 1.0.
	if len(updates) > 14 {
		t.Errorf("updates = %d, want at most 14", len(updates))
	}
	prev := -1.0
	for _, p := range updates {
		if p.Fraction < prev || p.Fraction > 1 {
			t.Errorf("fraction %v after %v", p.Fraction, prev)
		}
		prev = p.Fraction
	}
	if last := updates[len(updates)-1].Fraction; last != 1 {
		t.Errorf("last fraction = %v, want 1", last)
	}
}

func TestProgress_UnknownLengthReportsOnlyEnds(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(1 << 20), unknownLength: true})

	sub := f.mgr.Subscribe(context.Background())
	if _, err := f.mgr.Download(context.Background(), "evt-1", url, eventTS); err != nil {
		t.Fatalf("Download: %v", err)
	}
	var fractions []float64
	for p := range sub {
		if p.Done {
			break
		}
		fractions = append(fractions, p.Fraction)
	}
	if len(fractions) != 2 || fractions[0] != 0 || fractions[1] != 1 {
		t.Errorf("fractions = %v, want [0 1]", fractions)
	}
}

func TestBufferSize(t *testing.T) {
	tests := []struct {
		length int64
		want   int
	}{
		{-1, 256 << 10},
		{0, 64 << 10},
		{1<<20 - 1, 64 << 10},
		{1 << 20, 256 << 10},
		{10<<20 - 1, 256 << 10},
		{10 << 20, 512 << 10},
	}
	for _, tc := range tests {
		if got := download.BufferSize(tc.length); got != tc.want {
			t.Errorf("BufferSize(%d) = %d, want %d", tc.length, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func TestIsDownloaded_MissingFileKeepsRecord(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(10)})
	ctx := context.Background()

	rec, err := f.mgr.Download(ctx, "evt-1", url, eventTS)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := os.Remove(f.mgr.LocalPath(rec)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ok, err := f.mgr.IsDownloaded(ctx, "evt-1", url)
	if err != nil || ok {
		t.Errorf("IsDownloaded = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := f.store.GetDownload(ctx, rec.ID); err != nil {
		t.Errorf("record removed by IsDownloaded: %v", err)
	}

	if _, ok, err := f.mgr.Record(ctx, "evt-1", url); ok || err != nil {
		t.Errorf("Record = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := f.store.GetDownload(ctx, rec.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("stale record still present: %v", err)
	}
}

func TestList_PrunesAndSortsNewestFirst(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(10)})
	ctx := context.Background()

	clock := eventTS
	f.mgr.Close()
	mgr, err := download.New(f.opener, f.store, f.net, f.dir, download.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	if err != nil {
		t.Fatalf("download.New: %v", err)
	}
	defer mgr.Close()

	var recs []model.DownloadRecord
	for _, u := range []string{"/api/files/a.txt", "/api/files/b.txt", "/api/files/c.txt"} {
		rec, err := mgr.Download(ctx, "evt-1", u, eventTS)
		if err != nil {
			t.Fatalf("Download(%s): %v", u, err)
		}
		recs = append(recs, rec)
	}
	if err := os.Remove(mgr.LocalPath(recs[1])); err != nil {
		t.Fatalf("remove: %v", err)
	}

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != recs[2].ID || list[1].ID != recs[0].ID {
		t.Errorf("List = %v, want [c a]", list)
	}
	all, _ := f.store.ListDownloads(ctx)
	if len(all) != 2 {
		t.Errorf("stored records = %d, want 2 after pruning", len(all))
	}
}

func TestDelete_RemovesFileAndRecord(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(10)})
	ctx := context.Background()

	rec, err := f.mgr.Download(ctx, "evt-1", url, eventTS)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := f.mgr.Delete(ctx, rec); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(f.mgr.LocalPath(rec)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present: %v", err)
	}
	if err := f.mgr.Delete(ctx, rec); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestDelete_ToleratesMissingFile(t *testing.T) {
	f := newFixture(t, &fakeOpener{payload: payload(10)})
	ctx := context.Background()

	rec, _ := f.mgr.Download(ctx, "evt-1", url, eventTS)
	_ = os.Remove(f.mgr.LocalPath(rec))
	if err := f.mgr.Delete(ctx, rec); err != nil {
		t.Errorf("Delete with missing file: %v", err)
	}
}

func TestNew_RemovesLeftoverParts(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, ".part-1234")
	if err := os.WriteFile(leftover, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, _ := cache.New(":memory:")
	defer store.Close()

	mgr, err := download.New(&fakeOpener{}, store, connectivity.NewStatic(true), dir)
	if err != nil {
		t.Fatalf("download.New: %v", err)
	}
	defer mgr.Close()

	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("leftover part still present: %v", err)
	}
}
