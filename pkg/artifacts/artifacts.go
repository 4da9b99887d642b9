// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifacts finds the files a run left in its working directory,
// uploads them and removes the directory afterwards.
package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/store"
)

// File is a file detected in a working directory.
type File struct {
	Path        string
	RelPath     string
	Size        int64
	ContentType string
}

// Backend stores one file under key and returns a URL to fetch it.
type Backend interface {
	Put(ctx context.Context, key string, f File) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, key string, f File) (string, error)

// Put implements Backend.
func (f BackendFunc) Put(ctx context.Context, key string, file File) (string, error) {
	return f(ctx, key, file)
}

// Store detects and uploads run artifacts. A Store without a backend detects
// nothing.
type Store struct {
	backend      Backend
	maxFileBytes int64
	concurrency  int
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxFileBytes skips files larger than n bytes. Zero means no limit.
func WithMaxFileBytes(n int64) Option {
	return func(s *Store) { s.maxFileBytes = n }
}

// WithConcurrency bounds parallel uploads.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an artifact store over backend, which may be nil.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, concurrency: 4, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether uploads are configured.
func (s *Store) Enabled() bool {
	return s != nil && s.backend != nil
}

// Detect lists regular files under dir. Hidden files and directories are
// skipped, as are files over the size limit.
func (s *Store) Detect(dir string) ([]File, error) {
	if !s.Enabled() || dir == "" {
		return nil, nil
	}
	var files []File
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if s.maxFileBytes > 0 && info.Size() > s.maxFileBytes {
			s.logger.Warn("skipping large artifact", "file", rel, "size", info.Size())
			return nil
		}
		files = append(files, File{
			Path:        p,
			RelPath:     filepath.ToSlash(rel),
			Size:        info.Size(),
			ContentType: contentType(p),
		})
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "detect artifacts", err)
	}
	return files, nil
}

// Upload stores f under <requestID>/<relative path>.
func (s *Store) Upload(ctx context.Context, f File, requestID string) (store.File, error) {
	if !s.Enabled() {
		return store.File{}, errors.New(errors.CodeInternal, "artifact uploads are disabled", nil)
	}
	key := path.Join(safeSegment(requestID), f.RelPath)
	url, err := s.backend.Put(ctx, key, f)
	if err != nil {
		return store.File{}, fmt.Errorf("upload %s: %w", f.RelPath, err)
	}
	return store.File{Name: f.RelPath, URL: url}, nil
}

// UploadAll uploads files concurrently. Files that fail are logged and left
// out of the result, which keeps the input order.
func (s *Store) UploadAll(ctx context.Context, files []File, requestID string) []store.File {
	if !s.Enabled() || len(files) == 0 {
		return nil
	}
	uploaded := make([]*store.File, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, f := range files {
		g.Go(func() error {
			out, err := s.Upload(gctx, f, requestID)
			if err != nil {
				s.logger.WarnContext(ctx, "artifact upload failed",
					"request_id", requestID, "file", f.RelPath, "error", err)
				return nil
			}
			mu.Lock()
			uploaded[i] = &out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]store.File, 0, len(files))
	for _, f := range uploaded {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// Cleanup removes dir. Failures are logged and otherwise ignored.
func (s *Store) Cleanup(dir string) {
	if dir == "" {
		return
	}
	logger := slog.Default()
	if s != nil {
		logger = s.logger
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("cleanup working directory", "dir", dir, "error", err)
	}
}

// FileListing renders uploaded files as text appended to a response.
func FileListing(files []store.File) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nFiles:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- [%s](%s)\n", f.Name, f.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "run"
	}
	return s
}
