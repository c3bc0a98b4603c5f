package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/lockerfleet/locker-control/internal/log"
)

// Holder holds the current Config snapshot behind a mutex and notifies
// registered listeners when a reload replaces it, mirroring the teacher's
// loader/holder/snapshot-listener pattern.
type Holder struct {
	loader *Loader

	mu        sync.RWMutex
	current   Config
	listeners []func(Config)
}

// NewHolder constructs a Holder and performs the initial load.
func NewHolder(loader *Loader) (*Holder, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return &Holder{loader: loader, current: cfg}, nil
}

// Get returns the current snapshot.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers a listener invoked with the new snapshot after every
// successful reload. Listeners run synchronously on the reload goroutine
// and must not block.
func (h *Holder) OnReload(fn func(Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the config file and, on success, swaps the snapshot and
// fans out to listeners. A parse failure leaves the previous snapshot in
// place and returns the error.
func (h *Holder) Reload() error {
	cfg, err := h.loader.Load()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.current = cfg
	listeners := append([]func(Config){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch starts an fsnotify watch on the loader's file path and triggers
// Reload on write/create/rename events until ctx is cancelled. It runs in
// the caller's goroutine and returns once ctx is done or the watcher
// cannot be established; callers typically invoke it via `go`.
func (h *Holder) Watch(ctx context.Context) error {
	if h.loader.Path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(h.loader.Path); err != nil {
		return err
	}

	logger := log.WithComponent("config")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := h.Reload(); err != nil {
				logger.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
				continue
			}
			logger.Info().Msg("config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
