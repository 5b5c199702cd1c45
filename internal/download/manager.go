// Package download fetches event attachments into a local directory, keeps
// a durable index of completed files, reports per-file progress, and
// guarantees that at most one transfer is active for any file id.
//
// A DownloadRecord is only trusted while its backing file exists. Record
// and List delete records whose file has disappeared; IsDownloaded reports
// false for them without touching the index.
package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/observe"
)

// Buffer sizes chosen from the advertised content length.
const (
	smallBuffer   = 64 << 10
	defaultBuffer = 256 << 10
	largeBuffer   = 512 << 10

	smallFileLimit = 1 << 20
	largeFileLimit = 10 << 20
)

// partPrefix marks in-progress files inside the downloads directory.
const partPrefix = ".part-"

// Opener streams a remote file. It is satisfied by *transport.Client.
type Opener interface {
	// Open returns the response body and its content length, or -1 when
	// the length is unknown.
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
}

// Store is the download index. It is satisfied by *cache.Cache.
type Store interface {
	PutDownload(ctx context.Context, rec model.DownloadRecord) error
	GetDownload(ctx context.Context, id string) (model.DownloadRecord, error)
	ListDownloads(ctx context.Context) ([]model.DownloadRecord, error)
	DeleteDownload(ctx context.Context, id string) error
	DeleteDownloads(ctx context.Context, ids []string) error
}

// Connectivity reports whether the remote source is reachable.
type Connectivity interface {
	Online() bool
}

// Progress is published whenever an active transfer's progress changes.
// Done is set once the entry has been removed, whatever the outcome.
type Progress struct {
	FileID   string  `json:"file_id"`
	Fraction float64 `json:"fraction"`
	Done     bool    `json:"done"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for DownloadedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// transfer is the in-memory state of one active download.
type transfer struct {
	cancel   context.CancelFunc
	progress float64
}

// Manager is the file download manager. It is safe for concurrent use.
type Manager struct {
	remote Opener
	store  Store
	net    Connectivity
	dir    string
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	active map[string]*transfer

	b *observe.Broadcaster[Progress]

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// TransfersTotal counts transfers that reached the network.
	TransfersTotal atomic.Int64
}

// New creates a Manager that stores files in dir, creating it if needed.
// Leftover partial files from an earlier process are removed.
func New(remote Opener, store Store, net Connectivity, dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("download: create %q: %w: %w", dir, errs.ErrFileIO, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		remote:     remote,
		store:      store,
		net:        net,
		dir:        dir,
		logger:     slog.Default(),
		now:        time.Now,
		active:     make(map[string]*transfer),
		b:          observe.New[Progress](64),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, o := range opts {
		o(m)
	}
	m.removeParts()
	return m, nil
}

// Dir returns the downloads directory.
func (m *Manager) Dir() string { return m.dir }

// LocalPath returns the absolute location of rec's backing file.
func (m *Manager) LocalPath(rec model.DownloadRecord) string {
	return filepath.Join(m.dir, rec.LocalName)
}

// IsDownloaded reports whether a record exists for the pair and its backing
// file is present. A stale record is left in place.
func (m *Manager) IsDownloaded(ctx context.Context, eventID, rawURL string) (bool, error) {
	rec, err := m.store.GetDownload(ctx, model.FileID(eventID, rawURL))
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.fileExists(rec), nil
}

// Record returns the record for the pair. When the record exists but its
// file is gone the record is deleted and ok is false.
func (m *Manager) Record(ctx context.Context, eventID, rawURL string) (rec model.DownloadRecord, ok bool, err error) {
	return m.lookup(ctx, model.FileID(eventID, rawURL))
}

func (m *Manager) lookup(ctx context.Context, id string) (model.DownloadRecord, bool, error) {
	rec, err := m.store.GetDownload(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return model.DownloadRecord{}, false, nil
	}
	if err != nil {
		return model.DownloadRecord{}, false, err
	}
	if m.fileExists(rec) {
		return rec, true, nil
	}

	m.logger.Warn("files: pruning record with missing file", slog.String("file_id", id))
	if err := m.store.DeleteDownload(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.DownloadRecord{}, false, err
	}
	return model.DownloadRecord{}, false, nil
}

// List returns every valid record, newest download first. Records whose
// files are missing are removed in one batch.
func (m *Manager) List(ctx context.Context) ([]model.DownloadRecord, error) {
	all, err := m.store.ListDownloads(ctx)
	if err != nil {
		return nil, err
	}

	valid := make([]model.DownloadRecord, 0, len(all))
	var stale []string
	for _, rec := range all {
		if m.fileExists(rec) {
			valid = append(valid, rec)
		} else {
			stale = append(stale, rec.ID)
		}
	}
	if len(stale) > 0 {
		m.logger.Warn("files: pruning records with missing files", slog.Int("count", len(stale)))
		if err := m.store.DeleteDownloads(ctx, stale); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].DownloadedAt.After(valid[j].DownloadedAt)
	})
	return valid, nil
}

// Download fetches the attachment unless it is already present. Concurrent
// calls for the same pair share a single transfer and its outcome.
//
// The transfer is not tied to ctx: a caller whose ctx ends stops waiting,
// but the transfer continues for the others. Use Cancel to abort it.
func (m *Manager) Download(ctx context.Context, eventID, rawURL string, eventTS time.Time) (model.DownloadRecord, error) {
	id := model.FileID(eventID, rawURL)

	rec, ok, err := m.lookup(ctx, id)
	if err != nil {
		return model.DownloadRecord{}, err
	}
	if ok {
		return rec, nil
	}
	if !m.net.Online() {
		return model.DownloadRecord{}, fmt.Errorf("download: %s: %w", id, errs.ErrNetworkUnavailable)
	}

	ch := m.group.DoChan(id, func() (any, error) {
		m.wg.Add(1)
		defer m.wg.Done()
		return m.transfer(id, eventID, rawURL, eventTS)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.DownloadRecord{}, res.Err
		}
		return res.Val.(model.DownloadRecord), nil
	case <-ctx.Done():
		return model.DownloadRecord{}, ctx.Err()
	}
}

func (m *Manager) transfer(id, eventID, rawURL string, eventTS time.Time) (model.DownloadRecord, error) {
	// A transfer for this id may have completed between the caller's check
	// and this one starting.
	if rec, ok, err := m.lookup(m.baseCtx, id); err == nil && ok {
		return rec, nil
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	t := m.register(id, cancel)
	defer func() {
		cancel()
		m.unregister(id, t)
	}()

	m.TransfersTotal.Add(1)
	m.logger.Info("files: download started", slog.String("file_id", id), slog.String("url", rawURL))

	body, length, err := m.remote.Open(ctx, rawURL)
	if err != nil {
		m.logger.Error("files: download failed", slog.String("file_id", id), slog.Any("error", err))
		return model.DownloadRecord{}, fmt.Errorf("download: %s: %w", id, err)
	}
	defer body.Close()

	tmp := filepath.Join(m.dir, partPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return model.DownloadRecord{}, fmt.Errorf("download: %s: %w: %w", id, errs.ErrFileIO, err)
	}

	size, err := m.copy(ctx, id, t, f, body, length)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", errs.ErrFileIO, cerr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		m.logger.Error("files: download failed", slog.String("file_id", id), slog.Any("error", err))
		return model.DownloadRecord{}, fmt.Errorf("download: %s: %w", id, err)
	}
	m.setProgress(id, t, 1)

	localName := model.LocalNameFor(eventID, rawURL)
	final := filepath.Join(m.dir, localName)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return model.DownloadRecord{}, fmt.Errorf("download: %s: %w: %w", id, errs.ErrFileIO, err)
	}

	rec := model.DownloadRecord{
		ID:             id,
		EventID:        eventID,
		DownloadURL:    rawURL,
		RemoteFilename: model.LastPathSegment(rawURL),
		LocalName:      localName,
		SizeBytes:      &size,
		DownloadedAt:   m.now(),
		EventTimestamp: eventTS,
	}
	if err := m.store.PutDownload(m.baseCtx, rec); err != nil {
		_ = os.Remove(final)
		return model.DownloadRecord{}, fmt.Errorf("download: %s: %w", id, err)
	}

	m.logger.Info("files: download finished", slog.String("file_id", id), slog.Int64("bytes", size))
	return rec, nil
}

// copy streams body into f through a buffer sized from length, publishing
// progress about once per buffer of bytes. Cancellation is checked between
// chunks.
func (m *Manager) copy(ctx context.Context, id string, t *transfer, f *os.File, body io.Reader, length int64) (int64, error) {
	bufSize := BufferSize(length)
	w := bufio.NewWriterSize(f, bufSize)
	chunk := make([]byte, 32<<10)

	var written, sinceReport int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, err)
		}
		n, rerr := body.Read(chunk)
		if n > 0 {
			if _, err := w.Write(chunk[:n]); err != nil {
				return written, fmt.Errorf("%w: %w", errs.ErrFileIO, err)
			}
			written += int64(n)
			sinceReport += int64(n)
			if length > 0 && sinceReport >= int64(bufSize) {
				sinceReport = 0
				m.setProgress(id, t, fraction(written, length))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return written, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, cerr)
			}
			return written, fmt.Errorf("%w: %w", errs.ErrDownloadFailed, rerr)
		}
	}
	if err := w.Flush(); err != nil {
		return written, fmt.Errorf("%w: %w", errs.ErrFileIO, err)
	}
	return written, nil
}

// BufferSize returns the write buffer size used for a body of the given
// length; length < 0 means unknown.
func BufferSize(length int64) int {
	switch {
	case length < 0:
		return defaultBuffer
	case length < smallFileLimit:
		return smallBuffer
	case length < largeFileLimit:
		return defaultBuffer
	default:
		return largeBuffer
	}
}

func fraction(written, length int64) float64 {
	f := float64(written) / float64(length)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// Cancel aborts the active transfer for the pair, if any, and clears its
// progress entry. It reports whether a transfer was active.
func (m *Manager) Cancel(eventID, rawURL string) bool {
	id := model.FileID(eventID, rawURL)

	m.mu.Lock()
	t, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	m.logger.Info("files: download cancelled", slog.String("file_id", id))
	m.b.Publish(Progress{FileID: id, Done: true})
	return true
}

// Delete removes rec's file and then its record. A file that is already
// gone is not an error; any other failure is returned.
func (m *Manager) Delete(ctx context.Context, rec model.DownloadRecord) error {
	if err := os.Remove(m.LocalPath(rec)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("download: delete %s: %w: %w", rec.ID, errs.ErrFileIO, err)
	}
	if err := m.store.DeleteDownload(ctx, rec.ID); err != nil {
		return fmt.Errorf("download: delete %s: %w", rec.ID, err)
	}
	m.logger.Info("files: download deleted", slog.String("file_id", rec.ID))
	return nil
}

// Progress returns the progress of the active transfer for the pair.
func (m *Manager) Progress(eventID, rawURL string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[model.FileID(eventID, rawURL)]
	if !ok {
		return 0, false
	}
	return t.progress, true
}

// ActiveCount returns the number of transfers in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Subscribe returns a channel of progress updates that is closed when ctx
// ends or the Manager is closed.
func (m *Manager) Subscribe(ctx context.Context) <-chan Progress {
	return m.b.Subscribe(ctx)
}

// Close cancels every active transfer and waits for them to unwind.
func (m *Manager) Close() {
	m.baseCancel()
	m.wg.Wait()
	m.b.Close()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (m *Manager) register(id string, cancel context.CancelFunc) *transfer {
	t := &transfer{cancel: cancel}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	m.b.Publish(Progress{FileID: id})
	return t
}

// unregister removes t unless Cancel already did.
func (m *Manager) unregister(id string, t *transfer) {
	m.mu.Lock()
	cur, ok := m.active[id]
	if ok && cur == t {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if ok && cur == t {
		m.b.Publish(Progress{FileID: id, Done: true})
	}
}

func (m *Manager) setProgress(id string, t *transfer, p float64) {
	m.mu.Lock()
	if m.active[id] != t {
		m.mu.Unlock()
		return
	}
	t.progress = p
	m.mu.Unlock()
	m.b.Publish(Progress{FileID: id, Fraction: p})
}

func (m *Manager) fileExists(rec model.DownloadRecord) bool {
	fi, err := os.Stat(m.LocalPath(rec))
	return err == nil && fi.Mode().IsRegular()
}

func (m *Manager) removeParts() {
	matches, _ := filepath.Glob(filepath.Join(m.dir, partPrefix+"*"))
	for _, p := range matches {
		if err := os.Remove(p); err == nil {
			m.logger.Debug("files: removed leftover partial file", slog.String("path", p))
		}
	}
}
