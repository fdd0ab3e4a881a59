package engine

import (
	"sync"

	"timerd/pkg/logx"
)

// Receiver accepts callbacks from the engine.
//
// Expire reports a fired timer. The return value must be true if the
// expiration was resolved to a live client key upstream; false tells the
// engine the timer is orphaned and its record can be dropped.
//
// NotifyEarly reports a split-point crossing. It carries no state change;
// each (timer, token) pair fires at most once.
type Receiver interface {
	Expire(id int32, pid, uid int, startMs, elapsedMs int64) bool
	NotifyEarly(id int32, pid, uid int, elapsedMs int64, token int)
}

// ExtendPolicy decides, at the nominal deadline, how many extra
// milliseconds a timer is granted before expiring. Returning 0 expires the
// timer immediately. The policy runs at most once per timer.
type ExtendPolicy func(pid, uid int, timeoutMs int64) int64

// NoExtension is the default policy: never grant an extension.
func NoExtension(pid, uid int, timeoutMs int64) int64 { return 0 }

// Engine hosts timer services addressed by numeric handles.
type Engine struct {
	log    logx.Logger
	policy ExtendPolicy

	mu         sync.Mutex
	nextHandle uint64
	services   map[uint64]*service
}

// New creates an empty engine with the default (no-op) extension policy.
func New(log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:      log,
		policy:   NoExtension,
		services: map[uint64]*service{},
	}
}

// SetExtendPolicy installs the load-aware extension policy used by services
// created with extend enabled. Must be called before Create.
func (e *Engine) SetExtendPolicy(p ExtendPolicy) {
	if p == nil {
		p = NoExtension
	}
	e.policy = p
}

// Create allocates a timer service and returns its handle, or 0 when the
// configuration is rejected (mismatched split tables, out-of-range percent,
// zero token, nil receiver).
func (e *Engine) Create(label string, extend bool, splitPercents, splitTokens []int, testMode bool, recv Receiver) uint64 {
	if recv == nil || len(splitPercents) != len(splitTokens) {
		return 0
	}
	splits := make([]split, len(splitPercents))
	for i := range splitPercents {
		if splitPercents[i] <= 0 || splitPercents[i] > 100 || splitTokens[i] == 0 {
			return 0
		}
		splits[i] = split{percent: splitPercents[i], token: splitTokens[i]}
	}

	s := newService(e, label, extend, splits, testMode, recv)

	e.mu.Lock()
	e.nextHandle++
	h := e.nextHandle
	s.handle = h
	e.services[h] = s
	e.mu.Unlock()

	if !testMode {
		s.startWorker()
	}
	e.log.Debug("timer service created",
		logx.String("label", label),
		logx.Uint64("handle", h),
		logx.Bool("extend", extend),
		logx.Bool("test_mode", testMode),
		logx.Int("splits", len(splits)))
	return h
}

// StartTimer starts a timer and returns its id, or 0 if the handle is
// unknown or the service is closed.
func (e *Engine) StartTimer(handle uint64, pid, uid int, timeoutMs int64) int32 {
	s := e.lookup(handle)
	if s == nil {
		return 0
	}
	return s.start(pid, uid, timeoutMs)
}

// CancelTimer stops a timer. It returns true if the timer was still
// running; false if it was unknown or had already fired. Either way the
// engine-side record is released.
func (e *Engine) CancelTimer(handle uint64, id int32) bool {
	s := e.lookup(handle)
	if s == nil {
		return false
	}
	return s.cancel(id)
}

// AcceptTimer releases an expired timer, acknowledging its expiration.
// It returns false if no expired timer with that id exists.
func (e *Engine) AcceptTimer(handle uint64, id int32) bool {
	s := e.lookup(handle)
	if s == nil {
		return false
	}
	return s.release(id, releaseAccept)
}

// DiscardTimer releases an expired timer without acknowledgment.
// It returns false if no expired timer with that id exists.
func (e *Engine) DiscardTimer(handle uint64, id int32) bool {
	s := e.lookup(handle)
	if s == nil {
		return false
	}
	return s.release(id, releaseDiscard)
}

// SetTime moves a test-mode service's clock to nowMs and dispatches
// everything that came due. It returns false for real-clock services.
func (e *Engine) SetTime(handle uint64, nowMs int64) bool {
	s := e.lookup(handle)
	if s == nil {
		return false
	}
	return s.setTime(nowMs)
}

// Close frees the service. Safe to call with an unknown handle.
func (e *Engine) Close(handle uint64) {
	e.mu.Lock()
	s := e.services[handle]
	delete(e.services, handle)
	e.mu.Unlock()
	if s != nil {
		s.close()
		e.log.Debug("timer service closed", logx.String("label", s.label), logx.Uint64("handle", handle))
	}
}

// Dump returns human-readable per-service statistics, or nil for an
// unknown handle.
func (e *Engine) Dump(handle uint64) []string {
	s := e.lookup(handle)
	if s == nil {
		return nil
	}
	return s.dump()
}

func (e *Engine) lookup(handle uint64) *service {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.services[handle]
}
