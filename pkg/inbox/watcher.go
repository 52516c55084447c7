// Package inbox watches a directory for script files and hands each one to a
// Handler once it has stopped changing. Handled files are moved to the
// processed/ or failed/ subdirectory so they are picked up exactly once.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Handler processes one stable inbox file.
type Handler func(ctx context.Context, path string) error

// Config holds configuration for the watcher
type Config struct {
	Dir                string
	StabilityThreshold time.Duration
	Extensions         []string // defaults to .json, .yaml, .yml
	Handler            Handler
	Logger             *zerolog.Logger
}

// Watcher monitors the inbox directory.
type Watcher struct {
	watcher            *fsnotify.Watcher
	dir                string
	stabilityThreshold time.Duration
	extensions         map[string]bool
	handler            Handler
	logger             zerolog.Logger

	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	loopDone       chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	handlers       sync.WaitGroup
	startOnce      sync.Once
	stopOnce       sync.Once
}

// NewWatcher creates a watcher. The directory and its archive
// subdirectories are created if missing.
func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("inbox handler is required")
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".json", ".yaml", ".yml"}
	}

	for _, dir := range []string{cfg.Dir, filepath.Join(cfg.Dir, ProcessedDir), filepath.Join(cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = true
	}

	return &Watcher{
		watcher:            fw,
		dir:                filepath.Clean(cfg.Dir),
		stabilityThreshold: cfg.StabilityThreshold,
		extensions:         exts,
		handler:            cfg.Handler,
		logger:             base.With().Str("component", "inbox").Logger(),
		done:               make(chan struct{}),
		loopDone:           make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start watches the directory and schedules files already present.
func (w *Watcher) Start(ctx context.Context) error {
	err := errors.New("inbox watcher already started")
	w.startOnce.Do(func() {
		err = w.start(ctx)
	})
	return err
}

func (w *Watcher) start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox: %w", err)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	go w.eventLoop()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to scan inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.dir, e.Name()))
		}
	}

	w.logger.Info().
		Str("path", w.dir).
		Int("existing", len(entries)).
		Msg("Inbox watcher started")

	return nil
}

// Run starts the watcher and blocks until ctx is done, then stops it.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Stop stops watching, cancels pending debounce timers and waits for
// handlers already running.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			if timer.Stop() {
				w.handlers.Done()
			}
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		if w.cancel != nil {
			<-w.loopDone
		}
		w.handlers.Wait()
		if w.cancel != nil {
			w.cancel()
		}

		w.logger.Info().Msg("Inbox watcher stopped")
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.loopDone)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.schedule(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.unschedule(event.Name)
	}
}

// schedule (re)arms the stability timer for path. The handler runs once the
// file has seen no events for the stability threshold.
func (w *Watcher) schedule(path string) {
	if w.shouldIgnore(path) {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if timer, exists := w.debounceTimers[path]; exists {
		if timer.Stop() {
			w.handlers.Done()
		}
	}

	w.handlers.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(w.stabilityThreshold, func() {
		defer w.handlers.Done()

		w.debounceMu.Lock()
		if w.debounceTimers[path] == timer {
			delete(w.debounceTimers, path)
		}
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.process(path)
		}
	})
	w.debounceTimers[path] = timer
}

func (w *Watcher) unschedule(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		if timer.Stop() {
			w.handlers.Done()
		}
		delete(w.debounceTimers, path)
	}
}

func (w *Watcher) process(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	logger := w.logger.With().Str("path", path).Logger()
	logger.Debug().Msg("Processing inbox file")

	dest := ProcessedDir
	if err := w.handler(w.ctx, path); err != nil {
		dest = FailedDir
		logger.Error().Err(err).Msg("Inbox file failed")
	}

	archived, err := w.archive(path, dest)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to archive inbox file")
		return
	}
	logger.Info().Str("archived", archived).Msg("Inbox file handled")
}

// archive moves path into the dest subdirectory, suffixing a timestamp when
// a file of the same name was archived before.
func (w *Watcher) archive(path, dest string) (string, error) {
	target := filepath.Join(w.dir, dest, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s.%s%s", strings.TrimSuffix(target, ext), time.Now().Format("20060102-150405.000000000"), ext)
	}
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}

// shouldIgnore filters dotfiles, editor temp files, unsupported extensions
// and anything outside the top level of the inbox.
func (w *Watcher) shouldIgnore(path string) bool {
	if filepath.Dir(filepath.Clean(path)) != w.dir {
		return true
	}

	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}

	return !w.extensions[strings.ToLower(filepath.Ext(base))]
}
