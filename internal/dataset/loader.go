package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Metrics receives dataset load outcomes. observability.Metrics satisfies it.
type Metrics interface {
	DatasetLoad(result string)
}

type noopMetrics struct{}

func (noopMetrics) DatasetLoad(string) {}

type entry struct {
	ready chan struct{}
	frame *Frame
	err   error

	victimsOnce    sync.Once
	victims        []Victim
	attentionsOnce sync.Once
	attentions     []Attention
}

// Loader reads each data file once and serves the parsed result from memory
// until the file changes on disk (local files) or Invalidate is called.
type Loader struct {
	src     Source
	log     *slog.Logger
	metrics Metrics

	mu      sync.Mutex
	entries map[string]*entry

	watcher *fsnotify.Watcher
	watched map[string]struct{}
}

type LoaderOptions struct {
	Logger  *slog.Logger
	Metrics Metrics
	// Watch enables fsnotify-based invalidation of local files.
	Watch bool
}

func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if src == nil {
		src = Router{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	l := &Loader{
		src:     src,
		log:     opts.Logger,
		metrics: opts.Metrics,
		entries: make(map[string]*entry),
		watched: make(map[string]struct{}),
	}
	if opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		l.watcher = w
	}
	return l, nil
}

func cacheKey(location string) string {
	if IsS3Location(location) {
		return location
	}
	return filepath.Clean(location)
}

// Frame returns the raw parsed CSV at location.
func (l *Loader) Frame(ctx context.Context, location string) (*Frame, error) {
	e, err := l.entry(ctx, location)
	if err != nil {
		return nil, err
	}
	return e.frame, nil
}

func (l *Loader) Victims(ctx context.Context, location string) ([]Victim, error) {
	e, err := l.entry(ctx, location)
	if err != nil {
		return nil, err
	}
	e.victimsOnce.Do(func() { e.victims = VictimsFromFrame(e.frame) })
	return e.victims, nil
}

func (l *Loader) Attentions(ctx context.Context, location string) ([]Attention, error) {
	e, err := l.entry(ctx, location)
	if err != nil {
		return nil, err
	}
	e.attentionsOnce.Do(func() { e.attentions = AttentionsFromFrame(e.frame) })
	return e.attentions, nil
}

// Invalidate drops the cached copy of location.
func (l *Loader) Invalidate(location string) {
	key := cacheKey(location)
	l.mu.Lock()
	_, ok := l.entries[key]
	delete(l.entries, key)
	l.mu.Unlock()
	if ok {
		l.log.Info("dataset invalidated", "location", key)
	}
}

func (l *Loader) entry(ctx context.Context, location string) (*entry, error) {
	key := cacheKey(location)

	l.mu.Lock()
	e, ok := l.entries[key]
	if ok {
		l.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		l.metrics.DatasetLoad("cached")
		return e, nil
	}
	e = &entry{ready: make(chan struct{})}
	l.entries[key] = e
	l.mu.Unlock()

	e.frame, e.err = l.read(ctx, location)
	close(e.ready)

	if e.err != nil {
		l.mu.Lock()
		if l.entries[key] == e {
			delete(l.entries, key)
		}
		l.mu.Unlock()
		l.metrics.DatasetLoad("error")
		return nil, e.err
	}

	l.metrics.DatasetLoad("loaded")
	l.log.Info("dataset loaded", "location", key, "rows", len(e.frame.Records))
	if !IsS3Location(location) {
		l.watch(key)
	}
	return e, nil
}

func (l *Loader) read(ctx context.Context, location string) (*Frame, error) {
	rc, err := l.src.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := ReadFrame(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return f, nil
}

// watch registers the file's directory; editors and atomic writers replace
// files, which drops a watch placed on the file itself.
func (l *Loader) watch(path string) {
	if l.watcher == nil {
		return
	}
	dir := filepath.Dir(path)

	l.mu.Lock()
	_, seen := l.watched[dir]
	if !seen {
		l.watched[dir] = struct{}{}
	}
	l.mu.Unlock()
	if seen {
		return
	}

	if err := l.watcher.Add(dir); err != nil {
		l.log.Warn("cannot watch data directory", "dir", dir, "error", err)
		l.mu.Lock()
		delete(l.watched, dir)
		l.mu.Unlock()
	}
}

// Run processes file change events until ctx is done. It returns immediately
// when watching is disabled.
func (l *Loader) Run(ctx context.Context) {
	if l.watcher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				l.Invalidate(ev.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("data watcher error", "error", err)
		}
	}
}

func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
