package ml

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ModelHolder owns the model artifact at a fixed path and hands out the
// Predictor built from its current contents. A reload swaps in a fresh
// Predictor; callers holding the previous one keep using it unchanged.
type ModelHolder struct {
	path      string
	cacheSize int
	log       *zap.Logger

	current atomic.Pointer[Predictor]
	loadMu  sync.Mutex
}

func NewModelHolder(path string, cacheSize int, log *zap.Logger) *ModelHolder {
	if log == nil {
		log = zap.NewNop()
	}
	return &ModelHolder{
		path:      path,
		cacheSize: cacheSize,
		log:       log.Named("model"),
	}
}

func (h *ModelHolder) Path() string {
	return h.path
}

// Loaded reports whether a model is currently held.
func (h *ModelHolder) Loaded() bool {
	return h.current.Load() != nil
}

// Reload reads the artifact again. On failure the previously held model stays
// in place and the error is returned.
func (h *ModelHolder) Reload() error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	return h.reloadLocked()
}

func (h *ModelHolder) reloadLocked() error {
	model, err := LoadModel(h.path)
	if err != nil {
		return err
	}
	predictor, err := NewPredictor(model, h.cacheSize)
	if err != nil {
		return fmt.Errorf("build predictor: %w", err)
	}
	h.current.Store(predictor)
	h.log.Info("model loaded",
		zap.String("path", h.path),
		zap.Strings("features", model.Features()),
		zap.Strings("classes", model.Classes()),
		zap.Int("trees", len(model.trees)))
	return nil
}

// Predictor returns the held predictor, loading the artifact on first use.
// While the artifact is missing or broken every call retries the load.
func (h *ModelHolder) Predictor() (*Predictor, error) {
	if p := h.current.Load(); p != nil {
		return p, nil
	}
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	if p := h.current.Load(); p != nil {
		return p, nil
	}
	if err := h.reloadLocked(); err != nil {
		return nil, err
	}
	return h.current.Load(), nil
}

// Watch reloads the model whenever the artifact file is written, created or
// renamed into place. It blocks until ctx is done.
func (h *ModelHolder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(h.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	h.log.Info("watching model artifact", zap.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := h.Reload(); err != nil {
				h.log.Warn("model reload failed, keeping previous model", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.log.Warn("model watcher error", zap.Error(err))
		}
	}
}
