package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hyro/internal/broadcast"
	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/ledger"
	"github.com/conneroisu/hyro/internal/logging"
	"github.com/conneroisu/hyro/internal/session"
)

type fixture struct {
	b       *broadcast.Broadcaster
	ledger  *ledger.Ledger
	manager *Manager
	server  *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		b:      broadcast.New(broadcast.DefaultBuffer),
		ledger: ledger.New(),
	}
	f.manager = NewManager(f.b, f.ledger, endpoint.NewMapper("html.jinja2"), opts, logging.Nop())
	f.server = httptest.NewServer(f.manager)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
		f.server.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	return f.dialWith(t, nil)
}

func (f *fixture) dialWith(t *testing.T, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func (f *fixture) waitConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.manager.Connections() == n },
		2*time.Second, 5*time.Millisecond)
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return typ, string(data)
}

func write(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, typ, data))
}

func TestHandshakeSyncsPendingIndices(t *testing.T) {
	f := newFixture(t, Options{})
	f.ledger.Classify("127.0.0.1", "/todo", ledger.Form{"title": "milk"})
	f.ledger.Classify("127.0.0.1", "/todo", ledger.Form{"title": "eggs"})

	conn := f.dial(t)
	f.waitConnections(t, 1)
	assert.Equal(t, []string{"127.0.0.1"}, f.manager.Clients())

	assert.Equal(t, 1, f.b.Publish("todo.html.jinja2"))

	typ, msg := read(t, conn)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, session.Probe, msg)

	typ, msg = read(t, conn)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "/todo", msg)

	write(t, conn, websocket.MessageText, []byte("c"))
	write(t, conn, websocket.MessageBinary, session.EncodeIndices([]uint32{1}))

	require.Eventually(t, func() bool {
		return len(f.ledger.History("127.0.0.1", "/todo").Pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	form, outcome := f.ledger.Classify("127.0.0.1", "/todo", ledger.Form{})
	assert.Equal(t, ledger.OutcomeReplayed, outcome)
	assert.Equal(t, ledger.Form{"title": "eggs"}, form)
}

func TestStylesheetChange(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)
	f.waitConnections(t, 1)

	f.b.Publish("main.css")

	_, msg := read(t, conn)
	assert.Equal(t, session.Probe, msg)

	typ, msg := read(t, conn)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, "\x00", msg)
}

func TestFullReloadClosesChannel(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)
	f.waitConnections(t, 1)

	f.b.Publish("index.html.jinja2")
	read(t, conn)
	_, msg := read(t, conn)
	assert.Equal(t, "/", msg)

	write(t, conn, websocket.MessageText, []byte(session.FullReload))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	f.waitConnections(t, 0)
	assert.Equal(t, 0, f.b.Subscribers())
	assert.Equal(t, int64(1), f.manager.Stats().Total)
}

func TestEverySessionReceivesEvents(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.dial(t)
	b := f.dial(t)
	f.waitConnections(t, 2)

	assert.Equal(t, 2, f.b.Publish("main.css"))
	for _, conn := range []*websocket.Conn{a, b} {
		_, msg := read(t, conn)
		assert.Equal(t, session.Probe, msg)
	}
}

func TestFailedChannelDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t, Options{
		Identify: func(r *http.Request) string { return r.Header.Get("X-Client") },
	})
	as := func(client string) *websocket.DialOptions {
		return &websocket.DialOptions{HTTPHeader: http.Header{"X-Client": []string{client}}}
	}
	f.ledger.Classify("y", "/todo", ledger.Form{"title": "milk"})

	x := f.dialWith(t, as("x"))
	y := f.dialWith(t, as("y"))
	f.waitConnections(t, 2)

	// Drop x without a close handshake so the server side fails on its
	// next read or write.
	require.NoError(t, x.CloseNow())
	f.b.Publish("todo.html.jinja2")

	_, msg := read(t, y)
	assert.Equal(t, session.Probe, msg)
	_, msg = read(t, y)
	assert.Equal(t, "/todo", msg)
	write(t, y, websocket.MessageText, []byte("c"))
	write(t, y, websocket.MessageBinary, session.EncodeIndices([]uint32{0}))

	require.Eventually(t, func() bool {
		return len(f.ledger.History("y", "/todo").Pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.waitConnections(t, 1)
	assert.Equal(t, []string{"y"}, f.manager.Clients())

	form, outcome := f.ledger.Classify("y", "/todo", ledger.Form{})
	assert.Equal(t, ledger.OutcomeReplayed, outcome)
	assert.Equal(t, ledger.Form{"title": "milk"}, form)
}

func TestPerClientLimit(t *testing.T) {
	f := newFixture(t, Options{MaxConnectionsPerIP: 1})
	f.dial(t)
	f.waitConnections(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int64(1), f.manager.Stats().Rejected)
}

func TestForeignOriginRejected(t *testing.T) {
	f := newFixture(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.manager.Connections())
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)
	f.waitConnections(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = f.manager.Shutdown(ctx) }()

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	f.waitConnections(t, 0)

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRemoteHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/hmr", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", RemoteHost(r))

	r.RemoteAddr = "[::1]:80"
	assert.Equal(t, "::1", RemoteHost(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", RemoteHost(r))
}
