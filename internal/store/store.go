// Package store caches raw template sources keyed by endpoint.
//
// Readers never block on a writer: each entry publishes its text through an
// atomic pointer, and writers for the same endpoint serialize on the entry's
// own mutex. Filesystem reads and template parsing happen before any lock is
// taken.
package store

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/errors"
	"github.com/conneroisu/hyro/internal/logging"
)

// Validator checks that a template source parses.
type Validator interface {
	Validate(name, source string) error
}

type entry struct {
	mu   sync.Mutex // serializes writers
	text atomic.Pointer[string]
}

// Store maps endpoints to the last validated template source.
type Store struct {
	fs        afero.Fs
	mapper    endpoint.Mapper
	validator Validator
	logger    logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a store reading templates from root, which must already be
// scoped to the template directory.
func New(root afero.Fs, mapper endpoint.Mapper, validator Validator, logger logging.Logger) *Store {
	return &Store{
		fs:        root,
		mapper:    mapper,
		validator: validator,
		logger:    logger.WithComponent("store"),
		entries:   make(map[string]*entry),
	}
}

// Get returns the cached source for endpoint without touching the disk.
func (s *Store) Get(ep string) (string, bool) {
	s.mu.RLock()
	e, ok := s.entries[endpoint.Normalize(ep)]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}

	text := e.text.Load()
	if text == nil {
		return "", false
	}
	return *text, true
}

// GetOrLoad returns the cached source, loading and validating it from disk
// on first use. A first load only fills an empty slot, so it never replaces
// text stored by a concurrent Invalidate or Reload.
func (s *Store) GetOrLoad(ep string) (string, error) {
	ep = endpoint.Normalize(ep)
	if text, ok := s.Get(ep); ok {
		return text, nil
	}

	source, err := s.read(ep)
	if err != nil {
		return "", err
	}
	if err := s.validate(ep, source); err != nil {
		return "", err
	}

	e := s.entry(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.text.CompareAndSwap(nil, &source) {
		return *e.text.Load(), nil
	}

	s.logger.Debug(context.Background(), "template cached", "endpoint", ep, "bytes", len(source))
	return source, nil
}

// Invalidate validates text and, on success, replaces the cached source. On
// failure the previous source stays in place.
func (s *Store) Invalidate(ep, text string) error {
	ep = endpoint.Normalize(ep)
	if err := s.validate(ep, text); err != nil {
		return err
	}

	e := s.entry(ep)
	e.mu.Lock()
	e.text.Store(&text)
	e.mu.Unlock()

	s.logger.Debug(context.Background(), "template cached", "endpoint", ep, "bytes", len(text))
	return nil
}

func (s *Store) validate(ep, text string) error {
	err := s.validator.Validate(ep, text)
	if err == nil {
		return nil
	}
	var te *errors.TemplateError
	if stderrors.As(err, &te) && te.File == "" {
		te.File = s.mapper.PathOf(ep)
	}
	return err
}

// Reload re-reads endpoint from disk and invalidates it.
func (s *Store) Reload(ep string) (string, error) {
	ep = endpoint.Normalize(ep)
	source, err := s.read(ep)
	if err != nil {
		return "", err
	}
	if err := s.Invalidate(ep, source); err != nil {
		return "", err
	}
	return source, nil
}

// Preload loads every template under the root. Failures are collected per
// endpoint and the walk continues; the count of cached templates is
// returned alongside the joined failures.
func (s *Store) Preload(ctx context.Context) (int, error) {
	collector := errors.NewCollector()
	loaded := 0

	err := afero.Walk(s.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}

		rel := filepath.ToSlash(filepath.Clean(p))
		ep, ok := s.mapper.FromPath(rel)
		if !ok {
			return nil
		}

		if _, err := s.Reload(ep); err != nil {
			collector.Add(ep, err)
			s.logger.Warn(ctx, err, "template failed to load", "endpoint", ep)
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}

	return loaded, collector.Err()
}

// Forget drops endpoint from the cache.
func (s *Store) Forget(ep string) {
	s.mu.Lock()
	delete(s.entries, endpoint.Normalize(ep))
	s.mu.Unlock()
}

// Endpoints lists cached endpoints in sorted order.
func (s *Store) Endpoints() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for ep, e := range s.entries {
		if e.text.Load() != nil {
			out = append(out, ep)
		}
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of cached endpoints.
func (s *Store) Len() int {
	return len(s.Endpoints())
}

// Exists reports whether a template file backs endpoint.
func (s *Store) Exists(ep string) bool {
	info, err := s.fs.Stat(s.mapper.PathOf(ep))
	return err == nil && !info.IsDir()
}

func (s *Store) entry(ep string) *entry {
	s.mu.RLock()
	e, ok := s.entries[ep]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[ep]; !ok {
		e = &entry{}
		s.entries[ep] = e
	}
	return e
}

func (s *Store) read(ep string) (string, error) {
	p := s.mapper.PathOf(ep)
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return "", errors.NewTemplateError(errors.KindLoad, ep, err).WithLocation(p, 0)
	}
	return string(data), nil
}
