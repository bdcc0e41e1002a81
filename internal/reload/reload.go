// Package reload turns file system changes into cache updates and reload
// notifications.
//
// A changed template is re-read and revalidated through the store. Only a
// template that still parses is published, so browsers never fetch a
// fragment the server cannot render. A changed stylesheet is published as
// is.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/errors"
	"github.com/conneroisu/hyro/internal/logging"
	"github.com/conneroisu/hyro/internal/watcher"
)

// Store is the part of the template store the reloader drives.
type Store interface {
	Reload(endpoint string) (string, error)
	Forget(endpoint string)
}

// Publisher announces a changed root-relative path.
type Publisher interface {
	Publish(path string) int
}

// Options configures a Reloader.
type Options struct {
	// TemplateDir is the template root.
	TemplateDir string
	// Stylesheet is an optional stylesheet file watched alongside.
	Stylesheet string
	// Debounce coalesces bursts of events per path.
	Debounce time.Duration
}

// Reloader watches the template root and the stylesheet.
type Reloader struct {
	root       string
	stylesheet string
	styleName  string
	debounce   time.Duration
	mapper     endpoint.Mapper
	store      Store
	publisher  Publisher
	logger     logging.Logger
	relevant   watcher.FileFilter

	fw *watcher.FileWatcher
}

// New creates a reloader. Paths in opts are made absolute.
func New(
	opts Options,
	mapper endpoint.Mapper,
	store Store,
	publisher Publisher,
	logger logging.Logger,
) (*Reloader, error) {
	root, err := filepath.Abs(opts.TemplateDir)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeInvalidPath, "resolving template dir", err).WithComponent("reload")
	}

	r := &Reloader{
		root:      root,
		debounce:  opts.Debounce,
		mapper:    mapper,
		store:     store,
		publisher: publisher,
		logger:    logger.WithComponent("reload"),
	}

	if opts.Stylesheet != "" {
		if r.stylesheet, err = filepath.Abs(opts.Stylesheet); err != nil {
			return nil, errors.NewIOError(errors.ErrCodeInvalidPath, "resolving stylesheet", err).WithComponent("reload")
		}
		r.styleName = filepath.ToSlash(filepath.Clean(opts.Stylesheet))
	}

	filters := []watcher.FileFilter{watcher.ExtensionFilter(mapper.Extension())}
	if r.stylesheet != "" {
		filters = append(filters, watcher.PathFilter(r.stylesheet))
	}
	r.relevant = watcher.AnyFilter(filters...)

	return r, nil
}

// Start begins watching. Watching stops when ctx is cancelled.
func (r *Reloader) Start(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(r.debounce, r.logger)
	if err != nil {
		return err
	}

	fw.AddFilter(watcher.NoEditorTempFilter)
	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(r.relevant)
	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		r.HandleEvents(ctx, events)
		return nil
	})

	if err := fw.AddRecursive(r.root); err != nil {
		_ = fw.Stop()
		return errors.NewIOError(errors.ErrCodeFileNotFound, "watching "+r.root, err).WithComponent("reload")
	}

	if r.stylesheet != "" && !r.insideRoot(r.stylesheet) {
		dir := filepath.Dir(r.stylesheet)
		if err := fw.AddPath(dir); err != nil {
			_ = fw.Stop()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		return err
	}
	r.fw = fw

	go func() {
		<-ctx.Done()
		_ = fw.Stop()
	}()

	r.logger.Info(ctx, "watching templates",
		"dir", r.root,
		"stylesheet", r.stylesheet,
		"watched_dirs", len(fw.WatchList()))
	return nil
}

// Stop stops watching.
func (r *Reloader) Stop() error {
	if r.fw == nil {
		return nil
	}
	return r.fw.Stop()
}

// HandleEvents applies a debounced batch of changes in order.
func (r *Reloader) HandleEvents(ctx context.Context, events []watcher.ChangeEvent) {
	for _, ev := range events {
		path, err := filepath.Abs(ev.Path)
		if err != nil {
			continue
		}

		if r.stylesheet != "" && path == r.stylesheet {
			r.handleStylesheet(ctx, ev)
			continue
		}

		rel, ok := r.relative(path)
		if !ok {
			continue
		}
		r.handleTemplate(ctx, ev, rel)
	}
}

func (r *Reloader) handleTemplate(ctx context.Context, ev watcher.ChangeEvent, rel string) {
	ep, ok := r.mapper.FromPath(rel)
	if !ok {
		return
	}

	if ev.Type == watcher.EventTypeDeleted || ev.Type == watcher.EventTypeRenamed {
		r.store.Forget(ep)
		r.logger.Info(ctx, "template removed", "endpoint", ep, "path", rel)
		return
	}

	start := time.Now()
	if _, err := r.store.Reload(ep); err != nil {
		r.logger.Error(ctx, err, "template reload rejected", "endpoint", ep, "path", rel)
		return
	}

	n := r.publisher.Publish(rel)
	r.logger.Info(ctx, "template reloaded",
		"endpoint", ep,
		"path", rel,
		"subscribers", n,
		"duration", time.Since(start))
}

func (r *Reloader) handleStylesheet(ctx context.Context, ev watcher.ChangeEvent) {
	if ev.Type == watcher.EventTypeDeleted {
		r.logger.Warn(ctx, nil, "stylesheet removed", "path", r.styleName)
		return
	}
	n := r.publisher.Publish(r.styleName)
	r.logger.Info(ctx, "stylesheet changed", "path", r.styleName, "subscribers", n)
}

func (r *Reloader) relative(path string) (string, bool) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (r *Reloader) insideRoot(path string) bool {
	_, ok := r.relative(filepath.Dir(path))
	return ok
}
