package timer

import (
	"sync"

	"timerd/internal/engine"
	"timerd/pkg/logx"
)

// TimerEngine is the boundary the accelerated backend drives. Calls are
// synchronous and report failure through return codes; *engine.Engine is
// the production implementation, and tests may substitute a double.
type TimerEngine interface {
	Create(label string, extend bool, splitPercents, splitTokens []int, testMode bool, recv engine.Receiver) uint64
	StartTimer(handle uint64, pid, uid int, timeoutMs int64) int32
	CancelTimer(handle uint64, id int32) bool
	AcceptTimer(handle uint64, id int32) bool
	DiscardTimer(handle uint64, id int32) bool
	SetTime(handle uint64, nowMs int64) bool
	Close(handle uint64)
	Dump(handle uint64) []string
}

// expirer is the slice of the service a backend calls back into when a
// timer fires. The return value is false when the id no longer maps to a
// tracked key; the backend then drops its own record.
type expirer interface {
	expire(id int32, startMs, elapsedMs int64) bool
}

// backend is the strategy contract shared by the simple and accelerated
// implementations. start, cancel, releaseExpired, and dump are invoked with
// the service lock held; setTime is not, because it may dispatch expiration
// callbacks synchronously.
type backend interface {
	start(key any, pid, uid int, timeoutMs int64) int32
	cancel(key any, id int32) bool
	releaseExpired(id int32, accept bool) bool
	setTime(nowMs int64) bool
	accelerated() bool
	dump() []string
	close()
}

// sharedEngine backs services that enable acceleration without injecting an
// engine of their own.
var sharedEngine = sync.OnceValue(func() *engine.Engine {
	return engine.New(logx.Nop())
})
