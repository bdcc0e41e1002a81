package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []string {
	var out []string
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := New(4)
	a, c := b.Subscribe(), b.Subscribe()
	defer a.Close()
	defer c.Close()

	assert.Equal(t, 2, b.Subscribers())
	assert.Equal(t, 2, b.Publish("todo.html.jinja2"))

	assert.Equal(t, []string{"todo.html.jinja2"}, drain(a))
	assert.Equal(t, []string{"todo.html.jinja2"}, drain(c))
}

func TestPublishOrderIsPreserved(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, drain(sub))
}

func TestFullBufferDropsForThatSubscriberOnly(t *testing.T) {
	b := New(2)
	slow, fast := b.Subscribe(), b.Subscribe()
	defer slow.Close()
	defer fast.Close()

	b.Publish("a")
	b.Publish("b")
	assert.Equal(t, []string{"a", "b"}, drain(fast))

	// slow still holds a and b, so c only reaches fast.
	assert.Equal(t, 1, b.Publish("c"))

	assert.Equal(t, []string{"a", "b"}, drain(slow))
	assert.Equal(t, []string{"c"}, drain(fast))
	assert.Equal(t, uint64(1), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestSubscriptionClose(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
	assert.Equal(t, 0, b.Publish("x"))
}

func TestBroadcasterClose(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	b.Close()
	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestDefaultBuffer(t *testing.T) {
	b := New(0)
	sub := b.Subscribe()
	defer sub.Close()
	assert.Equal(t, DefaultBuffer, cap(sub.ch))
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(DefaultBuffer)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			b.Publish("x")
			sub.Close()
		}()
	}
	wg.Wait()

	require.Equal(t, 0, b.Subscribers())
}
