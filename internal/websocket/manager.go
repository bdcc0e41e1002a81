// Package websocket accepts reload channel connections from browsers and runs
// one reconciliation session per connection.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/conneroisu/hyro/internal/broadcast"
	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/logging"
	"github.com/conneroisu/hyro/internal/session"
)

type connection struct {
	conn   *websocket.Conn
	client string
}

// Manager tracks live reload channels.
//
// Invariants:
//   - conns and perIP are protected by mu
//   - active equals len(conns) once ServeHTTP returns
//   - closed transitions from false to true exactly once
type Manager struct {
	broadcaster *broadcast.Broadcaster
	pending     session.Pending
	mapper      endpoint.Mapper
	opts        Options
	logger      logging.Logger

	nextID   atomic.Uint64
	active   atomic.Int64
	total    atomic.Int64
	rejected atomic.Int64

	mu     sync.Mutex
	conns  map[uint64]*connection
	perIP  map[string]int
	closed bool
	wg     sync.WaitGroup

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewManager creates a manager whose sessions receive events from b and
// report instance indices to pending.
func NewManager(
	b *broadcast.Broadcaster,
	pending session.Pending,
	mapper endpoint.Mapper,
	opts Options,
	logger logging.Logger,
) *Manager {
	if opts.Identify == nil {
		opts.Identify = RemoteHost
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		broadcaster: b,
		pending:     pending,
		mapper:      mapper,
		opts:        opts,
		logger:      logger.WithComponent("websocket"),
		conns:       make(map[uint64]*connection),
		perIP:       make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ServeHTTP upgrades the request and runs its session until it ends.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := m.opts.Identify(r)

	if !m.reserve(client) {
		m.rejected.Add(1)
		if m.isClosed() {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		m.logger.Warn(r.Context(), nil, "reload channel rejected: per-client limit", "client", client)
		http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
		return
	}
	defer m.release(client)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  m.opts.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn(r.Context(), err, "reload channel upgrade failed", "client", client)
		return
	}
	defer conn.CloseNow()

	id := m.nextID.Add(1)
	sub := m.broadcaster.Subscribe()
	defer sub.Close()

	m.register(id, &connection{conn: conn, client: client})
	defer m.unregister(id)

	m.logger.Info(m.ctx, "browser connected",
		"conn", id,
		"client", client,
		"connections", m.active.Load())

	sess := session.New(id, client, conn, sub.C(), m.pending, m.mapper, m.opts.Session, m.logger)
	if err := sess.Run(m.ctx); err != nil {
		m.logger.Warn(m.ctx, err, "reload channel ended", "conn", id, "client", client)
	}

	m.logger.Info(m.ctx, "browser disconnected",
		"conn", id,
		"client", client,
		"dropped", sub.Dropped(),
		"connections", m.active.Load()-1)
}

// reserve admits a new connection for client, enforcing the per-client limit.
func (m *Manager) reserve(client string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if limit := m.opts.MaxConnectionsPerIP; limit > 0 && m.perIP[client] >= limit {
		return false
	}
	m.perIP[client]++
	m.wg.Add(1)
	return true
}

func (m *Manager) release(client string) {
	m.mu.Lock()
	if m.perIP[client]--; m.perIP[client] <= 0 {
		delete(m.perIP, client)
	}
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) register(id uint64, c *connection) {
	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()
	m.active.Add(1)
	m.total.Add(1)
}

func (m *Manager) unregister(id uint64) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	m.active.Add(-1)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Connections returns the number of live reload channels.
func (m *Manager) Connections() int {
	return int(m.active.Load())
}

// Clients returns the identity of every live channel, one entry per
// connection.
func (m *Manager) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.client)
	}
	return out
}

// Stats returns a snapshot of channel activity.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:   m.active.Load(),
		Total:    m.total.Load(),
		Rejected: m.rejected.Load(),
		Dropped:  m.broadcaster.Dropped(),
	}
}

// Shutdown ends every session and waits for them to finish or for ctx to
// expire, whichever comes first. Connections still open at that point are
// closed without a handshake.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			m.mu.Lock()
			for _, c := range m.conns {
				_ = c.conn.CloseNow()
			}
			m.mu.Unlock()
		}

		m.logger.Info(context.Background(), "reload channels shut down")
	})
	return err
}
