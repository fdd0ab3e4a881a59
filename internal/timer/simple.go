package timer

import (
	"fmt"
	"sync"
	"time"

	"timerd/internal/dispatch"
)

// simpleBackend implements timeouts with one delayed queue message per key.
// Messages travel on a private tag (the complement of the client tag) and
// become client-visible notifications only if they survive to delivery; a
// cancel removes the pending message before then. No split points, no
// extension, no virtual clock.
type simpleBackend struct {
	host  expirer
	queue *dispatch.Queue
	tag   int

	mu      sync.Mutex
	base    time.Time
	nextID  int32
	running map[int32]simpleTimer
	fired   map[int32]struct{}
	closed  bool
}

type simpleTimer struct {
	key       any
	startMs   int64
	timeoutMs int64
}

func newSimpleBackend(host expirer, queue *dispatch.Queue, clientTag int) *simpleBackend {
	b := &simpleBackend{
		host:    host,
		queue:   queue,
		tag:     ^clientTag,
		base:    time.Now(),
		running: map[int32]simpleTimer{},
		fired:   map[int32]struct{}{},
	}
	queue.Handle(b.tag, b.deliver)
	return b
}

func (b *simpleBackend) nowMs() int64 { return time.Since(b.base).Milliseconds() }

func (b *simpleBackend) start(key any, pid, uid int, timeoutMs int64) int32 {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.nextID++
	id := b.nextID
	b.running[id] = simpleTimer{key: key, startMs: b.nowMs(), timeoutMs: timeoutMs}
	b.mu.Unlock()

	// Token carries the timer id so a restarted key's stale message is
	// recognizable at delivery time.
	b.queue.PostDelayed(dispatch.Message{Tag: b.tag, Key: key, Token: int(id)},
		time.Duration(timeoutMs)*time.Millisecond)
	return id
}

// deliver runs on the queue goroutine when a timeout message comes due.
func (b *simpleBackend) deliver(msg dispatch.Message) {
	id := int32(msg.Token)
	b.mu.Lock()
	t, ok := b.running[id]
	if !ok {
		// Canceled after the message was already popped for delivery.
		b.mu.Unlock()
		return
	}
	delete(b.running, id)
	b.fired[id] = struct{}{}
	elapsed := b.nowMs() - t.startMs
	b.mu.Unlock()

	if !b.host.expire(id, t.startMs, elapsed) {
		b.mu.Lock()
		delete(b.fired, id)
		b.mu.Unlock()
	}
}

func (b *simpleBackend) cancel(key any, id int32) bool {
	b.mu.Lock()
	if _, ok := b.running[id]; ok {
		delete(b.running, id)
		b.mu.Unlock()
		b.queue.Remove(b.tag, key)
		return true
	}
	delete(b.fired, id)
	b.mu.Unlock()
	return false
}

func (b *simpleBackend) releaseExpired(id int32, accept bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fired[id]; !ok {
		return false
	}
	delete(b.fired, id)
	return true
}

func (b *simpleBackend) setTime(nowMs int64) bool { return false }

func (b *simpleBackend) accelerated() bool { return false }

func (b *simpleBackend) dump() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []string{fmt.Sprintf("backend:simple running:%d expired:%d", len(b.running), len(b.fired))}
}

func (b *simpleBackend) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	recs := make([]simpleTimer, 0, len(b.running))
	for _, t := range b.running {
		recs = append(recs, t)
	}
	b.running = map[int32]simpleTimer{}
	b.fired = map[int32]struct{}{}
	b.mu.Unlock()

	for _, t := range recs {
		b.queue.Remove(b.tag, t.key)
	}
	// The private tag goes back to the pool; a later service reusing the
	// complement tag must not wake this backend.
	b.queue.Handle(b.tag, nil)
}
