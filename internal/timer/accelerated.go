package timer

// acceleratedBackend forwards every operation to the timer engine behind a
// handle; the interesting state lives engine-side. Expirations and early
// notifications come back through the engine.Receiver the service
// registered at Create time.
type acceleratedBackend struct {
	eng    TimerEngine
	handle uint64
	test   bool
}

func (b *acceleratedBackend) start(key any, pid, uid int, timeoutMs int64) int32 {
	return b.eng.StartTimer(b.handle, pid, uid, timeoutMs)
}

func (b *acceleratedBackend) cancel(key any, id int32) bool {
	return b.eng.CancelTimer(b.handle, id)
}

func (b *acceleratedBackend) releaseExpired(id int32, accept bool) bool {
	if accept {
		return b.eng.AcceptTimer(b.handle, id)
	}
	return b.eng.DiscardTimer(b.handle, id)
}

func (b *acceleratedBackend) setTime(nowMs int64) bool {
	if !b.test {
		return false
	}
	return b.eng.SetTime(b.handle, nowMs)
}

func (b *acceleratedBackend) accelerated() bool { return true }

func (b *acceleratedBackend) dump() []string { return b.eng.Dump(b.handle) }

func (b *acceleratedBackend) close() { b.eng.Close(b.handle) }
