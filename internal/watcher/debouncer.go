package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/conneroisu/hyro/internal/logging"
)

// retryDelay spaces out attempts to hand over a batch the dispatcher could
// not take yet.
const retryDelay = 50 * time.Millisecond

// Debouncer groups rapid file changes together. A batch is emitted once no
// new event has arrived for the configured delay. Within a batch each path
// appears once, at the position it was first seen, carrying its latest event.
// A batch the dispatcher cannot accept stays pending and absorbs later events.
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending []ChangeEvent
	index   map[string]int
	mutex   sync.Mutex
	logger  logging.Logger
}

func newDebouncer(delay time.Duration, logger logging.Logger) *Debouncer {
	return &Debouncer{
		delay:  delay,
		logger: logger,
		events: make(chan ChangeEvent, 100),
		output: make(chan []ChangeEvent, 10),
		index:  make(map[string]int),
	}
}

func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.stop()
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if i, ok := d.index[event.Path]; ok {
		d.pending[i] = event
	} else {
		d.index[event.Path] = len(d.pending)
		d.pending = append(d.pending, event)
	}

	if d.delay <= 0 {
		d.flushLocked()
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.flushLocked()
}

func (d *Debouncer) flushLocked() {
	if len(d.pending) == 0 {
		return
	}

	events := make([]ChangeEvent, len(d.pending))
	copy(events, d.pending)

	select {
	case d.output <- events:
	default:
		d.logger.Warn(context.Background(), nil, "dispatcher busy, holding batch", "events", len(events))
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(max(d.delay, retryDelay), d.flush)
		return
	}

	d.pending = d.pending[:0]
	clear(d.index)
}

func (d *Debouncer) stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
