package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hyro/internal/logging"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestFilters(t *testing.T) {
	ext := ExtensionFilter(".html.jinja2")
	assert.True(t, ext("/srv/templates/todo.html.jinja2"))
	assert.False(t, ext("/srv/templates/todo.html"))

	css := PathFilter("/srv/static/main.css")
	assert.True(t, css("/srv/static/./main.css"))
	assert.False(t, css("/srv/static/other.css"))

	either := AnyFilter(ext, css)
	assert.True(t, either("/srv/templates/todo.html.jinja2"))
	assert.True(t, either("/srv/static/main.css"))
	assert.False(t, either("/srv/static/other.css"))
	assert.False(t, AnyFilter()("/srv/static/main.css"))

	testCases := []struct {
		path     string
		expected bool
	}{
		{"todo.html.jinja2", true},
		{".todo.html.jinja2.swp", false},
		{"todo.html.jinja2~", false},
		{"#todo.html.jinja2#", false},
		{"4913.tmp", false},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.expected, NoEditorTempFilter(tc.path))
		})
	}

	assert.False(t, NoGitFilter("repo/.git/index"))
	assert.True(t, NoGitFilter("repo/templates/index.html.jinja2"))
}

func TestDebouncerCoalescesAndKeepsFirstSeenOrder(t *testing.T) {
	d := newDebouncer(30*time.Millisecond, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.start(ctx)

	d.events <- ChangeEvent{Path: "b", Type: EventTypeCreated}
	d.events <- ChangeEvent{Path: "a", Type: EventTypeModified}
	d.events <- ChangeEvent{Path: "b", Type: EventTypeModified}

	select {
	case batch := <-d.output:
		require.Len(t, batch, 2)
		assert.Equal(t, "b", batch[0].Path)
		assert.Equal(t, EventTypeModified, batch[0].Type)
		assert.Equal(t, "a", batch[1].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
	}
}

func TestDebouncerZeroDelayPassesThrough(t *testing.T) {
	d := newDebouncer(0, logging.Nop())
	d.addEvent(ChangeEvent{Path: "a"})
	d.addEvent(ChangeEvent{Path: "a"})

	assert.Len(t, d.output, 2)
}

func TestDebouncerHoldsBatchWhileDispatcherIsBusy(t *testing.T) {
	d := newDebouncer(0, logging.Nop())
	defer d.stop()
	for i := 0; i < cap(d.output); i++ {
		d.addEvent(ChangeEvent{Path: fmt.Sprintf("page%d", i)})
	}
	require.Len(t, d.output, cap(d.output))

	d.addEvent(ChangeEvent{Path: "late"})
	d.addEvent(ChangeEvent{Path: "later"})

	first := <-d.output
	assert.Equal(t, "page0", first[0].Path)

	// The held batch is delivered on the next attempt with nothing lost.
	d.flush()
	var last []ChangeEvent
	for len(d.output) > 0 {
		last = <-d.output
	}
	require.Len(t, last, 2)
	assert.Equal(t, "late", last[0].Path)
	assert.Equal(t, "later", last[1].Path)
}

func TestFileWatcherDeliversTemplateChanges(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(20*time.Millisecond, logging.Nop())
	require.NoError(t, err)
	defer fw.Stop()

	fw.AddFilter(ExtensionFilter("html.jinja2"))
	fw.AddFilter(NoEditorTempFilter)

	var mu sync.Mutex
	var seen []string
	fw.AddHandler(func(events []ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			seen = append(seen, filepath.Base(ev.Path))
		}
		return nil
	})

	require.NoError(t, fw.AddRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo.html.jinja2"), []byte("<li></li>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.NotContains(t, seen, "notes.txt")
	assert.Contains(t, seen, "todo.html.jinja2")
	mu.Unlock()
}

func TestFileWatcherWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(10*time.Millisecond, logging.Nop())
	require.NoError(t, err)
	defer fw.Stop()

	require.NoError(t, fw.AddRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	sub := filepath.Join(dir, "docs")
	require.NoError(t, os.Mkdir(sub, 0o755))

	assert.Eventually(t, func() bool {
		for _, p := range fw.WatchList() {
			if p == sub {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAddRecursiveSkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "partials"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o755))

	fw, err := NewFileWatcher(0, logging.Nop())
	require.NoError(t, err)
	defer fw.Stop()

	require.NoError(t, fw.AddRecursive(dir))
	list := fw.WatchList()
	assert.Contains(t, list, filepath.Join(dir, "partials"))
	assert.NotContains(t, list, filepath.Join(dir, ".cache"))
}

func TestAddRecursiveMissingRoot(t *testing.T) {
	fw, err := NewFileWatcher(0, logging.Nop())
	require.NoError(t, err)
	defer fw.Stop()

	assert.Error(t, fw.AddRecursive(filepath.Join(t.TempDir(), "missing")))
}

func TestStopIsIdempotent(t *testing.T) {
	fw, err := NewFileWatcher(0, logging.Nop())
	require.NoError(t, err)

	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
