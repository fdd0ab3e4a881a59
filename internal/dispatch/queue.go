package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"timerd/pkg/logx"
)

// TokenExpiration marks a message as a terminal expiration notification.
// Non-zero tokens identify early split-point notifications.
const TokenExpiration = 0

// Message is one notification in flight.
type Message struct {
	// Tag routes the message to a handler. Each service uses its own tag.
	Tag int
	// Key is the client-supplied timer identity. Never examined beyond ==.
	Key any
	// Token is TokenExpiration for expirations, or the split-point token
	// for early notifications.
	Token int
}

// Handler consumes delivered messages for one tag.
type Handler func(Message)

// entry is one pending message in the delivery heap.
type entry struct {
	at  time.Time
	seq uint64
	msg Message

	// idx is the entry's position in the heap slice, maintained by Swap.
	idx int

	// removed marks an entry for lazy deletion; the delivery loop discards
	// it instead of delivering. Cheaper than re-heapifying on every Remove.
	removed bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// Queue is a single-threaded delayed-delivery queue.
type Queue struct {
	log logx.Logger

	mu       sync.Mutex
	handlers map[int]Handler
	pending  entryHeap
	seq      uint64
	closed   bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue and starts its delivery goroutine.
func New(log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		log:      log,
		handlers: map[int]Handler{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run()
	}()
	return q
}

// Handle registers the handler for a tag, replacing any previous one. A nil
// fn unregisters the tag. Messages for a tag without a handler are dropped.
func (q *Queue) Handle(tag int, fn Handler) {
	q.mu.Lock()
	if fn == nil {
		delete(q.handlers, tag)
	} else {
		q.handlers[tag] = fn
	}
	q.mu.Unlock()
}

// Post enqueues a message for immediate (but asynchronous) delivery.
func (q *Queue) Post(msg Message) {
	q.PostDelayed(msg, 0)
}

// PostDelayed enqueues a message to be delivered after delay.
func (q *Queue) PostDelayed(msg Message, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Debug("queue closed; dropping message", logx.Int("tag", msg.Tag))
		return
	}
	q.seq++
	heap.Push(&q.pending, &entry{at: time.Now().Add(delay), seq: q.seq, msg: msg})
	q.mu.Unlock()
	q.poke()
}

// Remove drops every pending message matching tag and key and reports how
// many were dropped. Messages already handed to the handler are unaffected.
func (q *Queue) Remove(tag int, key any) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.pending {
		if !e.removed && e.msg.Tag == tag && e.msg.Key == key {
			e.removed = true
			n++
		}
	}
	return n
}

// Pending reports the number of live (not removed) pending messages.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.pending {
		if !e.removed {
			n++
		}
	}
	return n
}

// Close stops delivery. Pending messages are discarded. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	q.wg.Wait()

	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		// Discard removed entries that bubbled to the top.
		for len(q.pending) > 0 && q.pending[0].removed {
			heap.Pop(&q.pending)
		}
		var wait time.Duration
		hasNext := false
		if len(q.pending) > 0 {
			wait = time.Until(q.pending[0].at)
			hasNext = true
		}

		if hasNext && wait <= 0 {
			e := heap.Pop(&q.pending).(*entry)
			fn := q.handlers[e.msg.Tag]
			q.mu.Unlock()
			if fn == nil {
				q.log.Debug("no handler for tag; dropping message", logx.Int("tag", e.msg.Tag))
				continue
			}
			fn(e.msg)
			continue
		}
		q.mu.Unlock()

		if !hasNext {
			select {
			case <-q.stop:
				return
			case <-q.wake:
			}
			continue
		}

		tmr := time.NewTimer(wait)
		select {
		case <-q.stop:
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-q.wake:
			if !tmr.Stop() {
				<-tmr.C
			}
		case <-tmr.C:
		}
	}
}
