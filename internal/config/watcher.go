package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// DefaultDebounceDelay coalesces the burst of events editors emit on save.
const DefaultDebounceDelay = 100 * time.Millisecond

// ChangeFunc receives the previous and the freshly loaded configuration.
type ChangeFunc func(previous, current *GatewayConfig)

// Watcher reloads a configuration file when it changes on disk. Invalid
// revisions are logged and skipped; the last good configuration stays
// current.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange ChangeFunc
	onError  func(error)
	logger   observability.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *GatewayConfig
	started bool
	looping bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits after the last event
// before reloading.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorHandler is called for load, validation and fsnotify errors.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for path. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsw,
		onChange: onChange,
		debounce: DefaultDebounceDelay,
		logger:   observability.NopLogger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start loads the file once and begins watching its directory, which
// also catches editors that replace the file by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("config watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.setCurrent(cfg)

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
	)

	w.mu.Lock()
	w.looping = true
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.mu.RLock()
		looping := w.looping
		w.mu.RUnlock()
		if looping {
			<-w.doneCh
		}
		err = w.fs.Close()
	})
	return err
}

// Current returns the last configuration that loaded and validated.
func (w *Watcher) Current() *GatewayConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload loads the file now and, when it is valid, makes it current and
// notifies the change handler.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	previous := w.setCurrent(cfg)
	if w.onChange != nil {
		w.onChange(previous, cfg)
	}
	return nil
}

func (w *Watcher) setCurrent(cfg *GatewayConfig) *GatewayConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	previous := w.current
	w.current = cfg
	return previous
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("configuration file changed",
				observability.String("op", event.Op.String()),
			)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("configuration reload rejected, keeping previous revision",
					observability.String("path", w.path),
					observability.Error(err),
				)
				w.report(err)
				continue
			}
			w.logger.Info("configuration reloaded",
				observability.String("path", w.path),
			)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watcher error", observability.Error(err))
			w.report(err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create) != 0
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
