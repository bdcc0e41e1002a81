// Package ledger records, per client and per endpoint, the form data each
// rendered fragment instance was created with.
//
// The browser numbers every fragment instance it receives. After a reload
// handshake it reports the numbers of the instances still alive, in DOM
// order, and then refetches them one by one. Classify pops those numbers in
// the same order and hands back the stored form so each fragment re-renders
// with the data it was originally built from.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// Form is the flat field map submitted with a request.
type Form map[string]string

// Clone returns an independent copy of f.
func (f Form) Clone() Form {
	out := make(Form, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Outcome tells the caller how a request was classified.
type Outcome int

const (
	// OutcomeNew means a new fragment instance; the submitted form was
	// recorded under the next index.
	OutcomeNew Outcome = iota
	// OutcomeReplayed means an existing instance is being re-rendered after
	// a reload; the stored form is returned.
	OutcomeReplayed
	// OutcomeStale means a pending index did not name a recorded instance.
	// It was discarded and the request was treated as new.
	OutcomeStale
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// History is a snapshot of one client's ledger for one endpoint.
type History struct {
	Contents []Form
	Pending  []uint32
}

type formHistory struct {
	contents []Form
	pending  []uint32
}

type clientHistory struct {
	mu        sync.Mutex
	endpoints map[string]*formHistory
	lastSeen  time.Time
	pruned    bool // set once Prune has removed it from the ledger
}

// Ledger holds form histories for every client. Safe for concurrent use.
type Ledger struct {
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]*clientHistory
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:     time.Now,
		clients: make(map[string]*clientHistory),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Classify decides whether a request for endpoint renders a new fragment
// instance or re-renders an existing one, and returns the form to render
// with. The returned form is a copy the caller may keep.
func (l *Ledger) Classify(client, endpoint string, submitted Form) (Form, Outcome) {
	c := l.lock(client)
	defer c.mu.Unlock()
	c.lastSeen = l.now()

	h := c.history(endpoint)

	outcome := OutcomeNew
	if len(h.pending) > 0 {
		idx := h.pending[0]
		h.pending = h.pending[1:]
		if int(idx) < len(h.contents) {
			return h.contents[idx].Clone(), OutcomeReplayed
		}
		outcome = OutcomeStale
	}

	form := submitted.Clone()
	h.contents = append(h.contents, form)
	return form.Clone(), outcome
}

// SetPending replaces the queue of instance indices awaiting re-render for
// client and endpoint.
func (l *Ledger) SetPending(client, endpoint string, indices []uint32) {
	c := l.lock(client)
	defer c.mu.Unlock()
	c.lastSeen = l.now()
	c.history(endpoint).pending = append([]uint32(nil), indices...)
}

// History returns a deep copy of the ledger for client and endpoint.
func (l *Ledger) History(client, endpoint string) History {
	l.mu.RLock()
	c, ok := l.clients[client]
	l.mu.RUnlock()
	if !ok {
		return History{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.endpoints[endpoint]
	if !ok {
		return History{}
	}

	out := History{
		Contents: make([]Form, len(h.contents)),
		Pending:  append([]uint32(nil), h.pending...),
	}
	for i, f := range h.contents {
		out.Contents[i] = f.Clone()
	}
	return out
}

// Clients lists known client identities in sorted order.
func (l *Ledger) Clients() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.clients))
	for id := range l.clients {
		out = append(out, id)
	}
	l.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Prune drops every client that has not interacted for longer than idle
// and returns how many were removed. A non-positive idle prunes nothing.
func (l *Ledger) Prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, c := range l.clients {
		c.mu.Lock()
		if c.lastSeen.Before(cutoff) {
			c.pruned = true
			delete(l.clients, id)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}

func (l *Ledger) client(id string) *clientHistory {
	l.mu.RLock()
	c, ok := l.clients[id]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.clients[id]; !ok {
		c = &clientHistory{
			endpoints: make(map[string]*formHistory),
			lastSeen:  l.now(),
		}
		l.clients[id] = c
	}
	return c
}

// lock returns the live history for id with its mutex held.
func (l *Ledger) lock(id string) *clientHistory {
	return l.relock(l.client(id), id)
}

// relock locks c, falling back to a fresh history when Prune removed c
// between the map lookup and the lock.
func (l *Ledger) relock(c *clientHistory, id string) *clientHistory {
	for {
		c.mu.Lock()
		if !c.pruned {
			return c
		}
		c.mu.Unlock()
		c = l.client(id)
	}
}

// history must be called with c.mu held.
func (c *clientHistory) history(endpoint string) *formHistory {
	h, ok := c.endpoints[endpoint]
	if !ok {
		h = &formHistory{}
		c.endpoints[endpoint] = h
	}
	return h
}
