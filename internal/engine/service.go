package engine

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

type split struct {
	percent int
	token   int
}

type releaseKind int

const (
	releaseAccept releaseKind = iota
	releaseDiscard
)

// timer is one engine-side timer record. It stays in the service map after
// firing (expired=true) until the client accepts, discards, or cancels it.
type timer struct {
	id       int32
	pid, uid int

	timeoutMs  int64
	startMs    int64
	deadlineMs int64

	extended bool
	expired  bool

	splitsFired []bool
}

// event is one scheduled wakeup. splitIdx is -1 for the expiration event,
// otherwise an index into the service split table. Stale events (canceled
// timer, moved deadline, already-fired split) are detected at pop time and
// skipped; nothing is ever removed from the heap eagerly.
type event struct {
	atMs     int64
	seq      uint64
	id       int32
	splitIdx int
}

type eventHeap []event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].atMs != h[j].atMs {
		return h[i].atMs < h[j].atMs
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type service struct {
	eng      *Engine
	handle   uint64
	label    string
	extend   bool
	splits   []split
	testMode bool
	recv     Receiver

	mu     sync.Mutex
	nextID int32
	timers map[int32]*timer
	events eventHeap
	seq    uint64
	closed bool

	base  time.Time // real-mode epoch
	nowMs int64     // test-mode clock

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	// counters, guarded by mu
	started    int
	expired    int
	canceled   int
	accepted   int
	discarded  int
	extensions int
}

func newService(e *Engine, label string, extend bool, splits []split, testMode bool, recv Receiver) *service {
	return &service{
		eng:      e,
		label:    label,
		extend:   extend,
		splits:   splits,
		testMode: testMode,
		recv:     recv,
		timers:   map[int32]*timer{},
		base:     time.Now(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// now returns the service clock in milliseconds. Call with mu held.
func (s *service) nowLocked() int64 {
	if s.testMode {
		return s.nowMs
	}
	return time.Since(s.base).Milliseconds()
}

func (s *service) start(pid, uid int, timeoutMs int64) int32 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.nextID++
	id := s.nextID
	now := s.nowLocked()
	t := &timer{
		id:          id,
		pid:         pid,
		uid:         uid,
		timeoutMs:   timeoutMs,
		startMs:     now,
		deadlineMs:  now + timeoutMs,
		splitsFired: make([]bool, len(s.splits)),
	}
	s.timers[id] = t
	s.started++
	s.pushLocked(event{atMs: t.deadlineMs, id: id, splitIdx: -1})
	for i, sp := range s.splits {
		at := now + timeoutMs*int64(sp.percent)/100
		s.pushLocked(event{atMs: at, id: id, splitIdx: i})
	}
	s.mu.Unlock()
	s.poke()
	return id
}

func (s *service) cancel(id int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	if t.expired {
		// Fired before the cancel arrived; the caller must sweep any
		// in-flight notification itself.
		return false
	}
	s.canceled++
	return true
}

func (s *service) release(id int32, kind releaseKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok || !t.expired {
		return false
	}
	delete(s.timers, id)
	switch kind {
	case releaseAccept:
		s.accepted++
	case releaseDiscard:
		s.discarded++
	}
	return true
}

func (s *service) setTime(nowMs int64) bool {
	if !s.testMode {
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.nowMs = nowMs
	s.mu.Unlock()
	s.dispatchDue()
	return true
}

func (s *service) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	s.timers = map[int32]*timer{}
	s.events = nil
	s.mu.Unlock()
}

func (s *service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *service) pushLocked(ev event) {
	s.seq++
	ev.seq = s.seq
	heap.Push(&s.events, ev)
}

func (s *service) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

func (s *service) run() {
	for {
		s.dispatchDue()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var wait time.Duration
		hasNext := false
		if len(s.events) > 0 {
			wait = time.Duration(s.events[0].atMs-s.nowLocked()) * time.Millisecond
			hasNext = true
		}
		s.mu.Unlock()

		if !hasNext {
			select {
			case <-s.stop:
				return
			case <-s.wake:
			}
			continue
		}
		if wait <= 0 {
			continue
		}
		tmr := time.NewTimer(wait)
		select {
		case <-s.stop:
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-s.wake:
			if !tmr.Stop() {
				<-tmr.C
			}
		case <-tmr.C:
		}
	}
}

type pendingCall struct {
	expire  bool
	id      int32
	pid     int
	uid     int
	startMs int64
	elapsed int64
	token   int
}

// dispatchDue pops every due event and invokes the receiver for the live
// ones. Callbacks run with no locks held; a callback may re-enter the
// service (cancel, start) without deadlocking.
func (s *service) dispatchDue() {
	for {
		calls := s.collectDue()
		if len(calls) == 0 {
			return
		}
		for _, c := range calls {
			if c.expire {
				if !s.recv.Expire(c.id, c.pid, c.uid, c.startMs, c.elapsed) {
					// Orphaned upstream; drop the engine-side record.
					s.mu.Lock()
					delete(s.timers, c.id)
					s.mu.Unlock()
				}
			} else {
				s.recv.NotifyEarly(c.id, c.pid, c.uid, c.elapsed, c.token)
			}
		}
	}
}

func (s *service) collectDue() []pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var calls []pendingCall
	now := s.nowLocked()
	for len(s.events) > 0 && s.events[0].atMs <= now {
		ev := heap.Pop(&s.events).(event)
		t, ok := s.timers[ev.id]
		if !ok {
			continue
		}
		if ev.splitIdx >= 0 {
			if t.expired || t.splitsFired[ev.splitIdx] {
				continue
			}
			t.splitsFired[ev.splitIdx] = true
			calls = append(calls, pendingCall{
				id:      t.id,
				pid:     t.pid,
				uid:     t.uid,
				elapsed: now - t.startMs,
				token:   s.splits[ev.splitIdx].token,
			})
			continue
		}

		// Expiration event.
		if t.expired || t.deadlineMs > ev.atMs {
			// Already fired, or the deadline moved (extension); stale.
			continue
		}
		if s.extend && !t.extended {
			t.extended = true
			if ext := s.eng.policy(t.pid, t.uid, t.timeoutMs); ext > 0 {
				t.deadlineMs += ext
				s.extensions++
				s.pushLocked(event{atMs: t.deadlineMs, id: t.id, splitIdx: -1})
				continue
			}
		}
		t.expired = true
		s.expired++
		calls = append(calls, pendingCall{
			expire:  true,
			id:      t.id,
			pid:     t.pid,
			uid:     t.uid,
			startMs: t.startMs,
			elapsed: now - t.startMs,
		})
	}
	return calls
}

func (s *service) dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	expired := 0
	for _, t := range s.timers {
		if t.expired {
			expired++
		} else {
			running++
		}
	}
	return []string{
		fmt.Sprintf("engine:%s running:%d expired:%d", s.label, running, expired),
		fmt.Sprintf("started:%d canceled:%d accepted:%d discarded:%d extensions:%d",
			s.started, s.canceled, s.accepted, s.discarded, s.extensions),
	}
}
