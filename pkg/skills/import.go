// SPDX-License-Identifier: Apache-2.0
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/store"
)

// Catalog is the part of the store the importer writes to.
type Catalog interface {
	GetSkillByName(ctx context.Context, name string) (*store.Skill, error)
	UpsertSkill(ctx context.Context, sk *store.Skill) error
}

// ImportResult reports what an import did.
type ImportResult struct {
	Created []string
	Updated []string
}

// Import loads every definition under dir and upserts it by name. A skill
// that already exists keeps its id.
func Import(ctx context.Context, catalog Catalog, dir string) (ImportResult, error) {
	var res ImportResult
	defs, err := LoadDir(dir)
	if err != nil {
		return res, errors.New(errors.CodeInvalidInput, "load skills", err)
	}
	for _, def := range defs {
		sk, err := def.Skill()
		if err != nil {
			return res, errors.New(errors.CodeInvalidInput, fmt.Sprintf("skill %s", def.Name), err)
		}
		existing, err := catalog.GetSkillByName(ctx, sk.Name)
		switch {
		case err == nil:
			if sk.ID != "" && sk.ID != existing.ID {
				return res, errors.Newf(errors.CodeConflict, "skill %q exists with id %s", sk.Name, existing.ID)
			}
			sk.ID = existing.ID
		case errors.HasCode(err, errors.CodeNotFound):
		default:
			return res, err
		}
		if err := catalog.UpsertSkill(ctx, sk); err != nil {
			return res, err
		}
		if existing != nil {
			res.Updated = append(res.Updated, sk.Name)
		} else {
			res.Created = append(res.Created, sk.Name)
		}
	}
	return res, nil
}

// Watcher re-imports a directory when its contents change.
type Watcher struct {
	catalog  Catalog
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onImport func(ImportResult, error)

	watcher *fsnotify.Watcher
	once    sync.Once
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long changes must settle before re-importing.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// OnImport registers a callback invoked after each re-import.
func OnImport(fn func(ImportResult, error)) WatcherOption {
	return func(w *Watcher) { w.onImport = fn }
}

// NewWatcher watches dir and its skill subdirectories.
func NewWatcher(catalog Catalog, dir string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		catalog:  catalog,
		dir:      dir,
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.addSubdirs()
	return w, nil
}

func (w *Watcher) addSubdirs() {
	matches, _ := filepath.Glob(filepath.Join(w.dir, "*", SkillFile))
	for _, m := range matches {
		_ = w.watcher.Add(filepath.Dir(m))
	}
}

// Run processes file events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher error", "dir", w.dir, "error", err)
		case <-timerC:
			timerC = nil
			w.addSubdirs()
			res, err := Import(ctx, w.catalog, w.dir)
			if err != nil {
				w.logger.Error("skills re-import failed", "dir", w.dir, "error", err)
			} else {
				w.logger.Info("skills re-imported", "dir", w.dir,
					"created", len(res.Created), "updated", len(res.Updated))
			}
			if w.onImport != nil {
				w.onImport(res, err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
