package session

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/errors"
	"github.com/conneroisu/hyro/internal/ledger"
	"github.com/conneroisu/hyro/internal/logging"
)

type fakeConn struct {
	in       chan frame
	out      chan frame
	closed   chan websocket.StatusCode
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame),
		out:    make(chan frame, 16),
		closed: make(chan websocket.StatusCode, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, websocket.CloseError{Code: websocket.StatusGoingAway}
		}
		return f.typ, f.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case c.out <- frame{typ: typ, data: append([]byte(nil), p...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	select {
	case c.closed <- code:
	default:
	}
	return nil
}

func (c *fakeConn) send(t *testing.T, typ websocket.MessageType, data []byte) {
	t.Helper()
	select {
	case c.in <- frame{typ: typ, data: data}:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not read frame")
	}
}

func (c *fakeConn) expect(t *testing.T, typ websocket.MessageType, data []byte) {
	t.Helper()
	select {
	case f := <-c.out:
		assert.Equal(t, typ, f.typ)
		assert.Equal(t, data, f.data)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %s frame %q", typ, data)
	}
}

type harness struct {
	conn   *fakeConn
	events chan string
	ledger *ledger.Ledger
	sess   *Session
	done   chan error
	cancel context.CancelFunc
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		conn:   newFakeConn(),
		events: make(chan string, 4),
		ledger: ledger.New(),
		done:   make(chan error, 1),
	}
	h.sess = New(1, "client1", h.conn, h.events, h.ledger,
		endpoint.NewMapper("html.jinja2"), opts, logging.Nop())

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(h.cancel)

	go func() { h.done <- h.sess.Run(ctx) }()
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sess.State() == want },
		2*time.Second, 5*time.Millisecond, "want state %s", want)
}

func TestTemplateHandshakeSetsPending(t *testing.T) {
	h := start(t, Options{})
	h.ledger.Classify("client1", "/todo", ledger.Form{"title": "milk"})
	h.ledger.Classify("client1", "/todo", ledger.Form{"title": "eggs"})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))

	h.conn.send(t, websocket.MessageText, []byte("c"))
	h.conn.send(t, websocket.MessageBinary, EncodeIndices([]uint32{1}))

	require.Eventually(t, func() bool {
		return len(h.ledger.History("client1", "/todo").Pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.waitState(t, StateIdle)

	form, outcome := h.ledger.Classify("client1", "/todo", ledger.Form{})
	assert.Equal(t, ledger.OutcomeReplayed, outcome)
	assert.Equal(t, ledger.Form{"title": "eggs"}, form)
}

func TestStylesheetChangeSendsSingleZeroByte(t *testing.T) {
	h := start(t, Options{})

	h.events <- "static/main.css"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageBinary, []byte{0})
	h.waitState(t, StateIdle)

	// The next change starts a fresh handshake.
	h.events <- "index.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/"))
	h.waitState(t, StateAwaitingAck)
}

func TestFullReloadClosesNormally(t *testing.T) {
	h := start(t, Options{})
	h.ledger.SetPending("client1", "/todo", []uint32{9})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
	h.conn.send(t, websocket.MessageText, []byte(FullReload))

	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
	assert.Equal(t, websocket.StatusNormalClosure, <-h.conn.closed)
	assert.Equal(t, []uint32{9}, h.ledger.History("client1", "/todo").Pending)
}

func TestMalformedIndicesAreDropped(t *testing.T) {
	h := start(t, Options{})
	h.ledger.SetPending("client1", "/todo", []uint32{9})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
	h.conn.send(t, websocket.MessageText, []byte("c"))
	h.conn.send(t, websocket.MessageBinary, []byte{1, 0, 0})

	h.waitState(t, StateIdle)
	assert.Equal(t, []uint32{9}, h.ledger.History("client1", "/todo").Pending)

	// The session survives and handles the next change.
	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
}

func TestBinaryAckMovesToIndices(t *testing.T) {
	h := start(t, Options{})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
	h.conn.send(t, websocket.MessageBinary, EncodeIndices([]uint32{4}))
	h.waitState(t, StateAwaitingIndices)

	h.conn.send(t, websocket.MessageBinary, EncodeIndices([]uint32{0, 2}))
	require.Eventually(t, func() bool {
		return len(h.ledger.History("client1", "/todo").Pending) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{0, 2}, h.ledger.History("client1", "/todo").Pending)
}

func TestAckTimeoutStillAcceptsIndices(t *testing.T) {
	h := start(t, Options{AckTimeout: 10 * time.Millisecond})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
	h.waitState(t, StateAwaitingIndices)

	h.conn.send(t, websocket.MessageBinary, EncodeIndices([]uint32{3}))
	require.Eventually(t, func() bool {
		return len(h.ledger.History("client1", "/todo").Pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIndicesTimeoutReturnsToIdle(t *testing.T) {
	h := start(t, Options{IndicesTimeout: 10 * time.Millisecond})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
	h.conn.send(t, websocket.MessageText, []byte("c"))

	h.waitState(t, StateIdle)
	assert.Equal(t, ledger.History{}, h.ledger.History("client1", "/todo"))
}

func TestTextInsteadOfIndicesLeavesLedgerAlone(t *testing.T) {
	h := start(t, Options{})

	h.events <- "todo.html.jinja2"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageText, []byte("/todo"))
	h.conn.send(t, websocket.MessageText, []byte("c"))
	h.conn.send(t, websocket.MessageText, []byte("c"))

	h.waitState(t, StateIdle)
	assert.Equal(t, ledger.History{}, h.ledger.History("client1", "/todo"))
}

func TestFramesWhileIdleAreIgnored(t *testing.T) {
	h := start(t, Options{})

	h.conn.send(t, websocket.MessageBinary, EncodeIndices([]uint32{0}))
	h.conn.send(t, websocket.MessageText, []byte(FullReload))

	assert.Equal(t, StateIdle, h.sess.State())
	assert.Empty(t, h.ledger.Clients())
	assert.Empty(t, h.conn.closed)
}

func TestBrowserDisconnectEndsSession(t *testing.T) {
	h := start(t, Options{})
	close(h.conn.in)

	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
}

func TestCancellationClosesGoingAway(t *testing.T) {
	h := start(t, Options{})
	h.cancel()

	require.NoError(t, h.wait(t))
	assert.Equal(t, websocket.StatusGoingAway, <-h.conn.closed)
}

func TestClosedEventStreamEndsSession(t *testing.T) {
	h := start(t, Options{})
	close(h.events)

	require.NoError(t, h.wait(t))
	assert.Equal(t, websocket.StatusGoingAway, <-h.conn.closed)
}

func TestWriteFailureEndsSession(t *testing.T) {
	h := start(t, Options{})
	h.conn.writeErr = stderrors.New("broken pipe")

	h.events <- "todo.html.jinja2"
	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
}

func TestRunOnlyOnce(t *testing.T) {
	h := start(t, Options{})
	h.events <- "static/main.css"
	h.conn.expect(t, websocket.MessageText, []byte(Probe))
	h.conn.expect(t, websocket.MessageBinary, []byte{0})

	assert.ErrorIs(t, h.sess.Run(context.Background()), errors.ErrSessionClosed)

	h.cancel()
	require.NoError(t, h.wait(t))
}

func TestIndicesRoundTrip(t *testing.T) {
	payload := EncodeIndices([]uint32{1, 0x01020304})
	assert.Equal(t, []byte{1, 0, 0, 0, 4, 3, 2, 1}, payload)

	got, err := DecodeIndices(payload)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 0x01020304}, got)

	got, err = DecodeIndices(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeIndicesRejectsPartialValues(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 7} {
		_, err := DecodeIndices(make([]byte, n))
		assert.ErrorIs(t, err, errors.ErrMalformedPayload, "length %d", n)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "awaiting-ack", StateAwaitingAck.String())
	assert.Equal(t, "awaiting-indices", StateAwaitingIndices.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
