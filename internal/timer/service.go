package timer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"timerd/internal/dispatch"
	"timerd/pkg/logx"
)

// ExpiredTimer is the immutable snapshot taken when a timer fires.
// DurationMs is the actual elapsed time and may exceed the nominal timeout
// when the backend granted an extension.
type ExpiredTimer struct {
	TimerID    int32
	StartMs    int64
	DurationMs int64
}

// Stats is a point-in-time snapshot of one service's counters.
type Stats struct {
	Label       string
	Accelerated bool
	Running     int
	Expired     int
	Started     int
	Restarts    int
	HighWater   int
	Canceled    int
	Accepted    int
	Discarded   int
	Errors      int
}

// Service tracks at most one live timer per key. Keys are opaque; the
// service only compares them. All methods are safe for concurrent use.
//
// Expirations and early notifications surface as dispatch messages carrying
// the key on the tag given at construction; clients register their own
// handler for that tag.
type Service[K comparable] struct {
	label string
	queue *dispatch.Queue
	tag   int
	log   logx.Logger

	mu      sync.Mutex
	be      backend
	ids     map[K]int32
	keys    map[int32]K
	expired map[int32]ExpiredTimer
	closed  bool

	started   int
	restarts  int
	fired     int
	canceled  int
	accepted  int
	discarded int
	errors    int
	highWater int

	regID uint64
}

// New creates a timer service delivering notifications on queue under tag.
// Tags must be unique per queue; the service also claims the complement of
// tag for internal scheduling. When args enables acceleration but the
// engine rejects the configuration, the service quietly runs on the simple
// backend instead.
func New[K comparable](label string, queue *dispatch.Queue, tag int, args *Args, log logx.Logger) *Service[K] {
	if args == nil {
		args = NewArgs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service[K]{
		label:   label,
		queue:   queue,
		tag:     tag,
		log:     log.With(logx.String("timer", label)),
		ids:     map[K]int32{},
		keys:    map[int32]K{},
		expired: map[int32]ExpiredTimer{},
	}
	s.bindBackend(args)
	s.regID = register(s)
	return s
}

func (s *Service[K]) bindBackend(args *Args) {
	if args.enable {
		eng := args.engine
		if eng == nil {
			eng = sharedEngine()
		}
		h := eng.Create(s.label, args.extend, args.SplitPercents(), args.SplitTokens(),
			args.testMode, engineReceiver[K]{s})
		if h != 0 {
			s.be = &acceleratedBackend{eng: eng, handle: h, test: args.testMode}
			return
		}
		s.log.Warn("timer engine rejected configuration; using simple backend")
	}
	if len(args.splits) > 0 {
		s.log.Warn("split points are not supported by the simple backend; ignoring",
			logx.Int("splits", len(args.splits)))
	}
	s.be = newSimpleBackend(s, s.queue, s.tag)
}

// Label returns the diagnostic name given at construction.
func (s *Service[K]) Label() string { return s.label }

// Accelerated reports whether the engine-backed implementation is active.
func (s *Service[K]) Accelerated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.be.accelerated()
}

// Start arms a timer for key. Negative timeouts are clamped to zero, which
// still delivers the expiration asynchronously. If key already has a live
// timer it is retired first and the restart counter bumped. The returned
// error is ErrClosed after Close, or wraps ErrStartFailed when the backend
// cannot allocate an id; the latter signals exhaustion or teardown, not a
// per-key condition.
func (s *Service[K]) Start(key K, pid, uid int, timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if old, ok := s.ids[key]; ok {
		s.retireLocked(key, old)
		s.restarts++
	}
	id := s.be.start(key, pid, uid, timeout.Milliseconds())
	if id == 0 {
		return fmt.Errorf("%w: service %q, key %v", ErrStartFailed, s.label, key)
	}
	s.ids[key] = id
	s.keys[id] = key
	s.started++
	if n := len(s.ids); n > s.highWater {
		s.highWater = n
	}
	return nil
}

// Cancel stops key's timer before it fires. It returns true only when a
// running timer was stopped in time. Unknown keys and timers that already
// fired return false; both are safe to hit speculatively, though the
// anomaly is noted in the error log.
func (s *Service[K]) Cancel(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	if !ok {
		if !s.closed {
			s.reportLocked("cancel", "notFound", key)
		}
		return false
	}
	if _, exp := s.expired[id]; exp {
		// Fired before the cancel arrived. Drop the bookkeeping and
		// whatever notification has not been delivered yet.
		s.removeLocked(key, id)
		s.be.releaseExpired(id, false)
		s.queue.Remove(s.tag, key)
		s.reportLocked("cancel", "expired", key)
		return false
	}
	stopped := s.be.cancel(key, id)
	if !stopped {
		// The backend fired concurrently; sweep any in-flight message so
		// the caller never sees the expiration.
		s.queue.Remove(s.tag, key)
	} else {
		s.canceled++
	}
	s.removeLocked(key, id)
	return stopped
}

// Accept closes out an expired timer and returns its snapshot. Calling it
// while the timer is still running is a protocol violation: the timer is
// canceled as a side effect, the anomaly is logged, and no snapshot is
// returned.
func (s *Service[K]) Accept(key K) (ExpiredTimer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	if !ok {
		if !s.closed {
			s.reportLocked("accept", "notFound", key)
		}
		return ExpiredTimer{}, false
	}
	snap, exp := s.expired[id]
	if !exp {
		s.reportLocked("accept", "acceptWhileRunning", key)
		if !s.be.cancel(key, id) {
			s.queue.Remove(s.tag, key)
		}
		s.removeLocked(key, id)
		return ExpiredTimer{}, false
	}
	delete(s.expired, id)
	s.be.releaseExpired(id, true)
	s.removeLocked(key, id)
	s.accepted++
	return snap, true
}

// Discard closes out key's timer without taking the snapshot, for
// expirations the caller judged moot. It reports whether an entry was found
// and removed; discarding a still-running timer cancels it and logs the
// anomaly.
func (s *Service[K]) Discard(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	if !ok {
		if !s.closed {
			s.reportLocked("discard", "notFound", key)
		}
		return false
	}
	if _, exp := s.expired[id]; !exp {
		s.reportLocked("discard", "discardWhileRunning", key)
		if !s.be.cancel(key, id) {
			s.queue.Remove(s.tag, key)
		}
		s.removeLocked(key, id)
		return true
	}
	delete(s.expired, id)
	s.be.releaseExpired(id, false)
	s.removeLocked(key, id)
	s.discarded++
	return true
}

// SetTime drives the virtual clock of a test-mode accelerated service and
// synchronously dispatches everything that came due. It fails with
// ErrNotSupported on the simple backend and ErrNotTestMode on a real-clock
// accelerated service.
func (s *Service[K]) SetTime(nowMs int64) error {
	s.mu.Lock()
	be := s.be
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !be.accelerated() {
		return ErrNotSupported
	}
	if !be.setTime(nowMs) {
		return ErrNotTestMode
	}
	return nil
}

// Close releases the backend and forgets every tracked timer. Undelivered
// notifications are swept from the queue. Idempotent; Start afterwards
// returns ErrClosed while the other operations degrade to failure values.
func (s *Service[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	be := s.be
	for key := range s.ids {
		s.queue.Remove(s.tag, key)
	}
	s.ids = map[K]int32{}
	s.keys = map[int32]K{}
	s.expired = map[int32]ExpiredTimer{}
	s.mu.Unlock()

	be.close()
	unregister(s.regID)
	s.log.Debug("timer service closed")
}

// Stats snapshots the counters.
func (s *Service[K]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Label:       s.label,
		Accelerated: s.be.accelerated(),
		Running:     len(s.ids) - len(s.expired),
		Expired:     len(s.expired),
		Started:     s.started,
		Restarts:    s.restarts,
		HighWater:   s.highWater,
		Canceled:    s.canceled,
		Accepted:    s.accepted,
		Discarded:   s.discarded,
		Errors:      s.errors,
	}
}

// removeLocked drops all bookkeeping for one (key, id) pair.
func (s *Service[K]) removeLocked(key K, id int32) {
	delete(s.ids, key)
	delete(s.keys, id)
}

// retireLocked quietly disposes of key's previous timer ahead of a restart.
func (s *Service[K]) retireLocked(key K, id int32) {
	if _, exp := s.expired[id]; exp {
		delete(s.expired, id)
		s.be.releaseExpired(id, false)
		s.queue.Remove(s.tag, key)
	} else if !s.be.cancel(key, id) {
		s.queue.Remove(s.tag, key)
	}
	s.removeLocked(key, id)
}

// expire resolves a fired timer id to its key and posts the client-visible
// notification. A false return tells the backend the id is orphaned.
func (s *Service[K]) expire(id int32, startMs, elapsedMs int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	key, ok := s.resolveLocked("expire", id)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.expired[id] = ExpiredTimer{TimerID: id, StartMs: startMs, DurationMs: elapsedMs}
	s.fired++
	// Post before releasing the lock so the snapshot and the queued
	// notification appear together; a cancel that sees the expired state
	// always finds the message its sweep is meant to remove. Posting only
	// enqueues, so no lock is held while handlers run.
	s.queue.Post(dispatch.Message{Tag: s.tag, Key: key, Token: dispatch.TokenExpiration})
	s.mu.Unlock()
	return true
}

// notifyEarly posts a split-point notification for a still-running timer.
// It shares expire's resolution path but changes no timer state.
func (s *Service[K]) notifyEarly(id int32, token int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	key, ok := s.resolveLocked("notifyEarly", id)
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, exp := s.expired[id]; exp {
		s.mu.Unlock()
		return
	}
	s.queue.Post(dispatch.Message{Tag: s.tag, Key: key, Token: token})
	s.mu.Unlock()
}

// resolveLocked maps a backend timer id to its key. Misses happen when a
// cancel races the firing; they are logged at debug only since the caller
// already got its failure value from cancel.
func (s *Service[K]) resolveLocked(op string, id int32) (K, bool) {
	key, ok := s.keys[id]
	if !ok {
		s.log.Debug("no key for fired timer", logx.String("op", op), logx.Int32("id", id))
	}
	return key, ok
}

// reportLocked records a protocol anomaly in the global error log.
func (s *Service[K]) reportLocked(op, issue string, arg any) {
	s.errors++
	appendError(ErrorRecord{
		Issue: issue,
		Op:    op,
		Tag:   s.label,
		Arg:   fmt.Sprint(arg),
		Stack: logx.StackTrace(2, 3),
		When:  time.Now(),
	}, s.log)
}

// Dump renders the service state for diagnostics.
func (s *Service[K]) Dump(w io.Writer) {
	st := s.Stats()
	s.mu.Lock()
	lines := s.be.dump()
	s.mu.Unlock()

	fmt.Fprintf(w, "timer: %s accelerated:%v\n", st.Label, st.Accelerated)
	fmt.Fprintf(w, "  started:%d highwater:%d running:%d expired:%d restarts:%d\n",
		st.Started, st.HighWater, st.Running, st.Expired, st.Restarts)
	fmt.Fprintf(w, "  canceled:%d accepted:%d discarded:%d errors:%d\n",
		st.Canceled, st.Accepted, st.Discarded, st.Errors)
	for _, ln := range lines {
		fmt.Fprintf(w, "  %s\n", ln)
	}
}

// engineReceiver adapts a Service to the engine callback interface without
// exporting the callbacks on the service itself.
type engineReceiver[K comparable] struct {
	s *Service[K]
}

func (r engineReceiver[K]) Expire(id int32, pid, uid int, startMs, elapsedMs int64) bool {
	return r.s.expire(id, startMs, elapsedMs)
}

func (r engineReceiver[K]) NotifyEarly(id int32, pid, uid int, elapsedMs int64, token int) {
	r.s.notifyEarly(id, token)
}
