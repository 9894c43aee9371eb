// Package watcher reloads the herald config file when it changes on disk.
// Bursts of writes are debounced into one reload, and saves that leave the
// content unchanged are ignored.
package watcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/herald/internal/config"
	"github.com/zjrosen/herald/internal/log"
)

// DefaultDebounce is how long the file must stay quiet before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Reload is the outcome of one debounced change. Err is set when the file
// could not be read or did not validate; Config is then zero.
type Reload struct {
	Config config.Config
	Err    error
}

// LoadFunc reads and validates the config at path.
type LoadFunc func(path string) (config.Config, error)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLoader replaces config.Load.
func WithLoader(fn LoadFunc) Option {
	return func(w *Watcher) { w.load = fn }
}

// Watcher reloads one config file.
type Watcher struct {
	path     string
	debounce time.Duration
	load     LoadFunc
	last     []byte
}

// New creates a watcher for the config file at path.
func New(path string, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		load:     config.Load,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Watch starts watching and returns the reload channel, which is closed once
// ctx is done. The directory is watched rather than the file so atomic
// replaces are still seen. A pending reload is dropped if the previous one
// has not been received yet.
func (w *Watcher) Watch(ctx context.Context) (<-chan Reload, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w.last, _ = os.ReadFile(w.path)
	out := make(chan Reload, 1)
	log.SafeGo("watcher.loop", func() { w.loop(ctx, fsw, out) })
	log.Debug(log.CatWatcher, "watching", "path", w.path, "debounce", w.debounce)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, out chan<- Reload) {
	defer close(out)
	defer func() { _ = fsw.Close() }()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "watch error", "path", w.path, "error", err)

		case <-timer.C:
			r, changed := w.reload()
			if !changed {
				continue
			}
			select {
			case out <- r:
			default:
				log.Debug(log.CatWatcher, "reload dropped, previous not consumed", "path", w.path)
			}
		}
	}
}

// reload reads the file and reports whether its content changed since the
// last reload.
func (w *Watcher) reload() (Reload, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return Reload{Err: fmt.Errorf("reading config: %w", err)}, true
	}
	if bytes.Equal(data, w.last) {
		log.Debug(log.CatWatcher, "config unchanged", "path", w.path)
		return Reload{}, false
	}
	w.last = data

	cfg, err := w.load(w.path)
	if err != nil {
		log.ErrorErr(log.CatWatcher, "config reload failed", err, "path", w.path)
		return Reload{Err: err}, true
	}
	log.Info(log.CatWatcher, "config reloaded", "path", w.path, "workers", len(cfg.Workers))
	return Reload{Config: cfg}, true
}

// relevant reports whether event may have changed the watched file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}
