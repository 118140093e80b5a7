// Package watcher discovers subband files landing in the raw ingest
// directory. It prefers fsnotify events and falls back to polling when the
// platform watcher cannot be established. A file is reported only once it
// has been quiescent (size and mtime unchanged) for the configured window,
// so half-written files never reach the assembler.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridian-obs/contimg/internal/types"
)

// Event describes one discovered subband file. Delivery is at-least-once;
// downstream consumers treat repeats as refreshes.
type Event struct {
	Path       string
	GroupID    string
	SubbandIdx int
	Size       int64
	MTime      time.Time
}

// Handler consumes discovery events.
type Handler func(Event)

// RecordedFunc reports whether a file is already recorded with the same
// mtime. Bootstrap uses it so a daemon restart does not replay the whole
// directory through the assembler.
type RecordedFunc func(ctx context.Context, ev Event) (bool, error)

// Options configures a Watcher.
type Options struct {
	Dir          string
	Patterns     []string
	Quiescence   time.Duration
	PollInterval time.Duration
	Recorded     RecordedFunc // nil means always emit
	Log          *slog.Logger
}

// fileState tracks a file not yet known to be fully written.
type fileState struct {
	size      int64
	mtime     time.Time
	changedAt time.Time // last time size or mtime moved
}

// Stats is a snapshot of watcher counters for health reporting.
type Stats struct {
	Pending       int   `json:"pending"`
	Emitted       int64 `json:"emitted"`
	BadNames      int64 `json:"bad_names"`
	PollingMode   bool  `json:"polling_mode"`
	WatchRestarts int64 `json:"watch_restarts"`
}

// Watcher monitors the raw directory for subband files.
type Watcher struct {
	dir          string
	patterns     []string
	quiescence   time.Duration
	pollInterval time.Duration
	recorded     RecordedFunc
	handler      Handler
	log          *slog.Logger

	fsw         *fsnotify.Watcher
	pollingMode bool

	mu            sync.Mutex
	pending       map[string]*fileState
	emitted       map[string]int64 // path -> mtime ns last emitted
	emittedCount  int64
	badNames      int64
	watchRestarts int64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// reEstablishDelays is the backoff schedule for re-adding a lost watch.
var reEstablishDelays = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// New creates a watcher for opts.Dir. onEvent is called once per quiescent
// file (and again if the file changes afterwards). Falls back to polling
// mode if fsnotify fails, unless CONTIMG_WATCHER_FALLBACK is set to false.
func New(opts Options, onEvent Handler) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("watcher: directory not set")
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*.uvh5", "*.dat"}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	w := &Watcher{
		dir:          opts.Dir,
		patterns:     opts.Patterns,
		quiescence:   opts.Quiescence,
		pollInterval: opts.PollInterval,
		recorded:     opts.Recorded,
		handler:      onEvent,
		log:          opts.Log,
		pending:      make(map[string]*fileState),
		emitted:      make(map[string]int64),
		now:          time.Now,
	}

	fallbackEnv := os.Getenv("CONTIMG_WATCHER_FALLBACK")
	fallbackDisabled := fallbackEnv == "false" || fallbackEnv == "0"

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		if fallbackDisabled {
			return nil, fmt.Errorf("fsnotify.NewWatcher() failed and CONTIMG_WATCHER_FALLBACK is disabled: %w", err)
		}
		w.log.Warn("fsnotify unavailable, falling back to polling mode",
			"error", err, "interval", w.pollInterval)
		w.pollingMode = true
		return w, nil
	}

	if err := fsw.Add(opts.Dir); err != nil {
		_ = fsw.Close()
		if fallbackDisabled {
			return nil, fmt.Errorf("failed to watch %s and CONTIMG_WATCHER_FALLBACK is disabled: %w", opts.Dir, err)
		}
		w.log.Warn("failed to watch raw directory, falling back to polling mode",
			"dir", opts.Dir, "error", err, "interval", w.pollInterval)
		w.pollingMode = true
		return w, nil
	}

	w.fsw = fsw
	return w, nil
}

// Bootstrap enumerates files already present in the raw directory. Files
// quiescent for longer than the window are emitted immediately (unless the
// store already records them at the same mtime); younger files join the
// pending set and settle through the normal path.
func (w *Watcher) Bootstrap(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to enumerate %s: %w", w.dir, err)
	}

	now := w.now()
	for _, entry := range entries {
		if entry.IsDir() || !w.matches(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			w.log.Warn("failed to stat existing file", "path", path, "error", err)
			continue
		}

		if now.Sub(info.ModTime()) >= w.quiescence {
			w.emit(ctx, path, info.Size(), info.ModTime())
			continue
		}

		w.mu.Lock()
		w.pending[path] = &fileState{
			size:      info.Size(),
			mtime:     info.ModTime(),
			changedAt: info.ModTime(),
		}
		w.mu.Unlock()
	}
	return nil
}

// Start begins monitoring. Runs until the context is canceled or Close is
// called. Call at most once.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.pollingMode {
		w.startPolling(ctx)
	} else {
		w.startEvents(ctx)
	}
	w.startSettling(ctx)
}

// startEvents consumes fsnotify events, tracking touched files as pending.
func (w *Watcher) startEvents(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if event.Name == w.dir && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					w.log.Warn("raw directory removed or renamed, re-establishing watch", "dir", w.dir)
					w.reEstablishWatch(ctx)
					continue
				}
				if !w.matches(filepath.Base(event.Name)) {
					continue
				}
				switch {
				case event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
					w.touch(event.Name)
				case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					w.forget(event.Name)
				}

			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", "error", err)

			case <-ctx.Done():
				return
			}
		}
	}()
}

// startPolling scans the directory on a ticker, feeding the same pending
// set the event path uses.
func (w *Watcher) startPolling(ctx context.Context) {
	w.log.Info("watcher polling", "dir", w.dir, "interval", w.pollInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.scan(); err != nil {
					w.log.Warn("polling scan failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startSettling periodically checks pending files for quiescence. The check
// interval divides the window so settled files are reported promptly.
func (w *Watcher) startSettling(ctx context.Context) {
	interval := w.quiescence / 4
	if interval < time.Second {
		interval = time.Second
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.settle(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// touch records that a file was created or written.
func (w *Watcher) touch(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Removed between the event and the stat; a Remove event follows.
		return
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.pending[path]
	if !ok {
		w.pending[path] = &fileState{size: info.Size(), mtime: info.ModTime(), changedAt: now}
		return
	}
	if st.size != info.Size() || !st.mtime.Equal(info.ModTime()) {
		st.size = info.Size()
		st.mtime = info.ModTime()
		st.changedAt = now
	}
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// CatchUp reconciles the pending set against the directory once. The
// scheduler calls it periodically as a safety net for dropped filesystem
// events; in polling mode it is the same scan the poll ticker runs.
func (w *Watcher) CatchUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.scan()
}

// scan is the polling-mode equivalent of fsnotify events: every matching
// file in the directory becomes or refreshes a pending entry.
func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.dir, err)
	}
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !w.matches(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		seen[path] = true
		if w.alreadyEmitted(path, entry) {
			continue
		}
		w.touch(path)
	}

	// Drop pending entries whose files vanished.
	w.mu.Lock()
	for path := range w.pending {
		if !seen[path] {
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	return nil
}

// alreadyEmitted reports whether the file was emitted at its current mtime,
// so polling does not churn settled files back into the pending set.
func (w *Watcher) alreadyEmitted(path string, entry os.DirEntry) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ns, ok := w.emitted[path]
	return ok && ns == info.ModTime().UnixNano()
}

// settle emits every pending file that has not changed for the quiescence
// window, re-checking against the filesystem first.
func (w *Watcher) settle(ctx context.Context) {
	now := w.now()

	w.mu.Lock()
	due := make([]string, 0, len(w.pending))
	for path, st := range w.pending {
		if now.Sub(st.changedAt) >= w.quiescence {
			due = append(due, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		info, err := os.Stat(path)
		if err != nil {
			w.forget(path)
			continue
		}

		w.mu.Lock()
		st, ok := w.pending[path]
		if !ok {
			w.mu.Unlock()
			continue
		}
		if st.size != info.Size() || !st.mtime.Equal(info.ModTime()) {
			// Still growing; restart the stability clock.
			st.size = info.Size()
			st.mtime = info.ModTime()
			st.changedAt = now
			w.mu.Unlock()
			continue
		}
		delete(w.pending, path)
		w.mu.Unlock()

		w.emit(ctx, path, info.Size(), info.ModTime())
	}
}

// emit parses the filename and hands the event to the handler. Unparseable
// names bump a counter and are skipped; the watcher never halts on them.
func (w *Watcher) emit(ctx context.Context, path string, size int64, mtime time.Time) {
	groupID, idx, err := ParseFilename(filepath.Base(path))
	if err != nil {
		w.mu.Lock()
		w.badNames++
		n := w.badNames
		w.mu.Unlock()
		w.log.Warn("ignoring file with unparseable name", "path", path, "error", err, "total", n)
		return
	}

	ev := Event{Path: path, GroupID: groupID, SubbandIdx: idx, Size: size, MTime: mtime}

	if w.recorded != nil {
		known, err := w.recorded(ctx, ev)
		if err != nil {
			w.log.Warn("failed to check recorded state, emitting anyway", "path", path, "error", err)
		} else if known {
			w.markEmitted(path, mtime)
			return
		}
	}

	w.markEmitted(path, mtime)
	w.log.Info("subband file ready", "group", groupID, "subband", idx, "size", size)
	w.handler(ev)
}

func (w *Watcher) markEmitted(path string, mtime time.Time) {
	w.mu.Lock()
	w.emitted[path] = mtime.UnixNano()
	w.emittedCount++
	w.mu.Unlock()
}

// reEstablishWatch re-adds the directory watch with backoff. If every
// attempt fails the watcher degrades to polling mode rather than going
// blind.
func (w *Watcher) reEstablishWatch(ctx context.Context) {
	for _, delay := range reEstablishDelays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if err := w.fsw.Add(w.dir); err != nil {
				if os.IsNotExist(err) {
					w.log.Warn("raw directory still missing, retrying", "dir", w.dir, "after", delay)
					continue
				}
				w.log.Warn("failed to re-establish watch", "dir", w.dir, "error", err)
				continue
			}
			w.mu.Lock()
			w.watchRestarts++
			w.mu.Unlock()
			w.log.Info("re-established raw directory watch", "dir", w.dir, "after", delay)
			// Catch anything that landed while the watch was down.
			w.scan()
			return
		}
	}
	w.log.Warn("could not re-establish watch, degrading to polling mode", "dir", w.dir)
	w.mu.Lock()
	w.pollingMode = true
	w.mu.Unlock()
	w.startPolling(ctx)
}

// matches reports whether a base name matches any configured pattern.
func (w *Watcher) matches(name string) bool {
	for _, pat := range w.patterns {
		if ok, err := filepath.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of watcher counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Pending:       len(w.pending),
		Emitted:       w.emittedCount,
		BadNames:      w.badNames,
		PollingMode:   w.pollingMode,
		WatchRestarts: w.watchRestarts,
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

// ParseFilename splits a subband filename of the form
// {timestamp}_sb{NN}.{ext} into its group ID and subband index. The
// timestamp token doubles as the group ID; NN must lie in [00, 15].
func ParseFilename(name string) (groupID string, subbandIdx int, err error) {
	ext := filepath.Ext(name)
	if ext == "" {
		return "", 0, fmt.Errorf("filename %q has no extension", name)
	}
	stem := strings.TrimSuffix(name, ext)

	i := strings.LastIndex(stem, "_sb")
	if i < 0 {
		return "", 0, fmt.Errorf("filename %q missing _sb marker", name)
	}
	token, digits := stem[:i], stem[i+len("_sb"):]

	if len(digits) != 2 {
		return "", 0, fmt.Errorf("filename %q: subband index %q must be two digits", name, digits)
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, fmt.Errorf("filename %q: bad subband index: %w", name, err)
	}
	if idx < 0 || idx > 15 {
		return "", 0, fmt.Errorf("filename %q: subband index %d out of range [0,15]", name, idx)
	}

	if _, err := time.Parse(types.GroupIDLayout, token); err != nil {
		return "", 0, fmt.Errorf("filename %q: bad timestamp token: %w", name, err)
	}
	return token, idx, nil
}
