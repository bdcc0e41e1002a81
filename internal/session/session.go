// Package session runs the reload handshake with one connected browser.
//
// For every announced change the server sends "you up?". A stylesheet
// change is followed by a single binary zero byte and nothing else. A
// template change is followed by the endpoint; the browser answers with
// "r" when it is going to reload the whole page, or with any other text
// and then the indices of the fragment instances it still shows, encoded
// as little-endian uint32 values. Those indices become the ledger's pending
// queue for the client and endpoint.
package session

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/errors"
	"github.com/conneroisu/hyro/internal/logging"
)

// Probe is the text frame that opens every handshake.
const Probe = "you up?"

// FullReload is the acknowledgement a browser sends before reloading the page.
const FullReload = "r"

const (
	DefaultAckTimeout     = 5 * time.Second
	DefaultIndicesTimeout = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// State is the handshake state of a session.
type State int32

const (
	StateIdle State = iota
	StateAwaitingAck
	StateAwaitingIndices
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateAwaitingIndices:
		return "awaiting-indices"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Pending receives the instance indices reported by a browser.
type Pending interface {
	SetPending(client, endpoint string, indices []uint32)
}

// Options configures a Session. Zero durations use the defaults.
type Options struct {
	AckTimeout     time.Duration
	IndicesTimeout time.Duration
	WriteTimeout   time.Duration
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Session drives one browser connection. Run must be called exactly once.
type Session struct {
	id      uint64
	client  string
	conn    Conn
	events  <-chan string
	pending Pending
	mapper  endpoint.Mapper
	opts    Options
	logger  logging.Logger

	ran    atomic.Bool
	state  atomic.Int32
	frames chan frame
	// readErr is written by the reader before frames is closed and read
	// only after lost is set.
	readErr error
	lost    bool

	endpoint string
	started  time.Time
}

// New creates a session for a connection identified by id, belonging to
// client. events delivers root-relative paths of changed files.
func New(
	id uint64,
	client string,
	conn Conn,
	events <-chan string,
	pending Pending,
	mapper endpoint.Mapper,
	opts Options,
	logger logging.Logger,
) *Session {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.IndicesTimeout <= 0 {
		opts.IndicesTimeout = DefaultIndicesTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &Session{
		id:      id,
		client:  client,
		conn:    conn,
		events:  events,
		pending: pending,
		mapper:  mapper,
		opts:    opts,
		logger:  logger.WithComponent("session").With("conn", id, "client", client),
		frames:  make(chan frame),
	}
}

// ID returns the connection id.
func (s *Session) ID() uint64 { return s.id }

// Client returns the client identity.
func (s *Session) Client() string { return s.client }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session until the browser goes away, the event stream
// ends, or ctx is cancelled. The returned error is nil for an orderly end.
// A session runs once; later calls return errors.ErrSessionClosed.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.ErrSessionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(ctx)

	for {
		var next State
		switch cur := s.State(); cur {
		case StateIdle:
			next = s.idle(ctx)
		case StateAwaitingAck:
			next = s.awaitingAck(ctx)
		case StateAwaitingIndices:
			next = s.awaitingIndices(ctx)
		case StateClosed:
			return s.closeReason()
		default:
			return fmt.Errorf("session %d: invalid state %d", s.id, cur)
		}
		s.state.Store(int32(next))
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.frames)
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.frames <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) idle(ctx context.Context) State {
	select {
	case <-ctx.Done():
		s.close(websocket.StatusGoingAway, "server shutting down")
		return StateClosed

	case f, ok := <-s.frames:
		if !ok {
			return s.disconnected(ctx)
		}
		s.logger.Debug(ctx, "ignoring frame while idle", "type", f.typ.String(), "bytes", len(f.data))
		return StateIdle

	case path, ok := <-s.events:
		if !ok {
			s.close(websocket.StatusGoingAway, "server shutting down")
			return StateClosed
		}
		return s.announce(ctx, path)
	}
}

func (s *Session) announce(ctx context.Context, path string) State {
	s.started = time.Now()
	if err := s.write(ctx, websocket.MessageText, []byte(Probe)); err != nil {
		s.logger.Debug(ctx, "connection closed", "path", path, "error", err.Error())
		return StateClosed
	}

	ep, ok := s.mapper.FromPath(path)
	if !ok {
		if err := s.write(ctx, websocket.MessageBinary, []byte{0}); err != nil {
			s.logger.Debug(ctx, "connection closed", "path", path, "error", err.Error())
			return StateClosed
		}
		s.logger.Debug(ctx, "stylesheet change sent", "path", path)
		return StateIdle
	}

	if err := s.write(ctx, websocket.MessageText, []byte(ep)); err != nil {
		s.logger.Debug(ctx, "connection closed", "path", path, "error", err.Error())
		return StateClosed
	}
	s.endpoint = ep
	return StateAwaitingAck
}

func (s *Session) awaitingAck(ctx context.Context) State {
	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.close(websocket.StatusGoingAway, "server shutting down")
		return StateClosed

	case <-timer.C:
		s.logger.Debug(ctx, "acknowledgement timed out", "endpoint", s.endpoint)
		return s.acknowledged(ctx)

	case f, ok := <-s.frames:
		if !ok {
			return s.disconnected(ctx)
		}
		if f.typ == websocket.MessageText && string(f.data) == FullReload {
			s.logger.Info(ctx, "browser performing full reload",
				"endpoint", s.endpoint,
				"duration", time.Since(s.started))
			s.close(websocket.StatusNormalClosure, "full reload")
			return StateClosed
		}
		return s.acknowledged(ctx)
	}
}

func (s *Session) acknowledged(ctx context.Context) State {
	s.logger.Debug(ctx, "browser acknowledged",
		"endpoint", s.endpoint,
		"duration", time.Since(s.started))
	s.started = time.Now()
	return StateAwaitingIndices
}

func (s *Session) awaitingIndices(ctx context.Context) State {
	timer := time.NewTimer(s.opts.IndicesTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.close(websocket.StatusGoingAway, "server shutting down")
		return StateClosed

	case <-timer.C:
		s.logger.Warn(ctx, nil, "instance indices timed out", "endpoint", s.endpoint)
		return StateIdle

	case f, ok := <-s.frames:
		if !ok {
			return s.disconnected(ctx)
		}
		if f.typ != websocket.MessageBinary {
			s.logger.Warn(ctx, nil, "expected instance indices", "endpoint", s.endpoint, "type", f.typ.String())
			return StateIdle
		}
		return s.applyIndices(ctx, f.data)
	}
}

func (s *Session) applyIndices(ctx context.Context, payload []byte) State {
	indices, err := DecodeIndices(payload)
	if err != nil {
		s.logger.Warn(ctx, err, "dropping instance indices", "endpoint", s.endpoint, "bytes", len(payload))
		return StateIdle
	}

	s.pending.SetPending(s.client, s.endpoint, indices)
	s.logger.Info(ctx, "form history synced",
		"endpoint", s.endpoint,
		"instances", len(indices),
		"duration", time.Since(s.started))
	return StateIdle
}

func (s *Session) write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, typ, p)
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	if err := s.conn.Close(code, reason); err != nil {
		s.logger.Debug(context.Background(), "close handshake incomplete", "error", err.Error())
	}
}

func (s *Session) disconnected(ctx context.Context) State {
	if ctx.Err() != nil {
		// The reader stopped because of shutdown, not because of the browser.
		s.close(websocket.StatusGoingAway, "server shutting down")
		return StateClosed
	}
	s.lost = true
	s.logger.Debug(ctx, "browser disconnected", "state", s.State().String())
	return StateClosed
}

func (s *Session) closeReason() error {
	if !s.lost {
		return nil
	}
	err := s.readErr
	switch {
	case err == nil,
		stderrors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return nil
	}
	return err
}

// EncodeIndices packs instance indices as little-endian uint32 values.
func EncodeIndices(indices []uint32) []byte {
	out := make([]byte, 4*len(indices))
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(out[4*i:], idx)
	}
	return out
}

// DecodeIndices unpacks little-endian uint32 values. A payload whose length
// is not a multiple of four is rejected with errors.ErrMalformedPayload.
func DecodeIndices(payload []byte) ([]uint32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", errors.ErrMalformedPayload, len(payload))
	}
	out := make([]uint32, len(payload)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(payload[4*i:])
	}
	return out, nil
}
