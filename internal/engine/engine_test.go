package engine

import (
	"sync"
	"testing"

	"timerd/pkg/logx"
)

// recorder captures callbacks for inspection.
type recorder struct {
	mu      sync.Mutex
	expired []expiredCall
	early   []earlyCall
	keep    bool
}

type expiredCall struct {
	id      int32
	elapsed int64
}

type earlyCall struct {
	id    int32
	token int
}

func newRecorder() *recorder { return &recorder{keep: true} }

func (r *recorder) Expire(id int32, pid, uid int, startMs, elapsedMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, expiredCall{id: id, elapsed: elapsedMs})
	return r.keep
}

func (r *recorder) NotifyEarly(id int32, pid, uid int, elapsedMs int64, token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.early = append(r.early, earlyCall{id: id, token: token})
}

func (r *recorder) expirations() []expiredCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]expiredCall(nil), r.expired...)
}

func (r *recorder) earlies() []earlyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]earlyCall(nil), r.early...)
}

func TestCreateRejectsBadConfig(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()

	cases := []struct {
		name     string
		percents []int
		tokens   []int
		recv     Receiver
	}{
		{name: "nil receiver", recv: nil},
		{name: "mismatched tables", percents: []int{50}, tokens: nil, recv: r},
		{name: "zero token", percents: []int{50}, tokens: []int{0}, recv: r},
		{name: "percent too low", percents: []int{0}, tokens: []int{1}, recv: r},
		{name: "percent too high", percents: []int{101}, tokens: []int{1}, recv: r},
	}
	for _, tc := range cases {
		if h := e.Create("bad", false, tc.percents, tc.tokens, true, tc.recv); h != 0 {
			t.Errorf("%s: Create = %d, want 0", tc.name, h)
		}
	}
}

func TestVirtualClockExpiration(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	h := e.Create("test", false, nil, nil, true, r)
	if h == 0 {
		t.Fatal("Create failed")
	}
	defer e.Close(h)

	id := e.StartTimer(h, 1, 2, 100)
	if id == 0 {
		t.Fatal("StartTimer failed")
	}

	if !e.SetTime(h, 50) {
		t.Fatal("SetTime failed")
	}
	if got := r.expirations(); len(got) != 0 {
		t.Fatalf("expired early: %+v", got)
	}

	e.SetTime(h, 100)
	got := r.expirations()
	if len(got) != 1 || got[0].id != id || got[0].elapsed != 100 {
		t.Fatalf("expirations = %+v", got)
	}
}

func TestVirtualClockOrdering(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	h := e.Create("test", false, nil, nil, true, r)
	defer e.Close(h)

	t1 := e.StartTimer(h, 0, 0, 50)
	t2 := e.StartTimer(h, 0, 0, 60)
	t3 := e.StartTimer(h, 0, 0, 40)

	e.SetTime(h, 10)
	if got := r.expirations(); len(got) != 0 {
		t.Fatalf("expired early: %+v", got)
	}
	if !e.CancelTimer(h, t1) {
		t.Fatal("CancelTimer(t1) = false")
	}

	e.SetTime(h, 70)
	got := r.expirations()
	if len(got) != 2 || got[0].id != t3 || got[1].id != t2 {
		t.Fatalf("expirations = %+v, want [t3=%d t2=%d]", got, t3, t2)
	}
}

func TestSplitPointsFireOnce(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	h := e.Create("test", false, []int{25, 50}, []int{111, 222}, true, r)
	defer e.Close(h)

	id := e.StartTimer(h, 0, 0, 100)

	e.SetTime(h, 30)
	if got := r.earlies(); len(got) != 1 || got[0] != (earlyCall{id: id, token: 111}) {
		t.Fatalf("earlies = %+v", got)
	}
	// Moving time again must not refire the 25% split.
	e.SetTime(h, 60)
	if got := r.earlies(); len(got) != 2 || got[1] != (earlyCall{id: id, token: 222}) {
		t.Fatalf("earlies = %+v", got)
	}
	e.SetTime(h, 100)
	if got := r.expirations(); len(got) != 1 {
		t.Fatalf("expirations = %+v", got)
	}
	if got := r.earlies(); len(got) != 2 {
		t.Fatalf("earlies after expiration = %+v", got)
	}
}

func TestExtensionDelaysExpiration(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	e.SetExtendPolicy(func(pid, uid int, timeoutMs int64) int64 { return 50 })
	r := newRecorder()
	h := e.Create("test", true, nil, nil, true, r)
	defer e.Close(h)

	id := e.StartTimer(h, 0, 0, 100)

	e.SetTime(h, 100)
	if got := r.expirations(); len(got) != 0 {
		t.Fatalf("expired despite extension: %+v", got)
	}
	// The extension is granted once; the moved deadline is final.
	e.SetTime(h, 150)
	got := r.expirations()
	if len(got) != 1 || got[0].id != id || got[0].elapsed != 150 {
		t.Fatalf("expirations = %+v", got)
	}
}

func TestCancelAfterFire(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	h := e.Create("test", false, nil, nil, true, r)
	defer e.Close(h)

	id := e.StartTimer(h, 0, 0, 10)
	e.SetTime(h, 10)
	if e.CancelTimer(h, id) {
		t.Fatal("CancelTimer on fired timer = true")
	}
	// The record is gone either way.
	if e.AcceptTimer(h, id) {
		t.Fatal("AcceptTimer after cancel = true")
	}
}

func TestAcceptAndDiscardReleaseOnce(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	h := e.Create("test", false, nil, nil, true, r)
	defer e.Close(h)

	a := e.StartTimer(h, 0, 0, 10)
	b := e.StartTimer(h, 0, 0, 10)
	e.SetTime(h, 10)

	if !e.AcceptTimer(h, a) || e.AcceptTimer(h, a) {
		t.Fatal("AcceptTimer must succeed exactly once")
	}
	if !e.DiscardTimer(h, b) || e.DiscardTimer(h, b) {
		t.Fatal("DiscardTimer must succeed exactly once")
	}
	// Running timers cannot be released.
	c := e.StartTimer(h, 0, 0, 100)
	if e.AcceptTimer(h, c) {
		t.Fatal("AcceptTimer on running timer = true")
	}
}

func TestOrphanedExpirationDropsRecord(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	r.keep = false
	h := e.Create("test", false, nil, nil, true, r)
	defer e.Close(h)

	id := e.StartTimer(h, 0, 0, 10)
	e.SetTime(h, 10)
	if e.AcceptTimer(h, id) {
		t.Fatal("record should have been dropped for orphaned expiration")
	}
}

func TestSetTimeRequiresTestMode(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	r := newRecorder()
	h := e.Create("real", false, nil, nil, false, r)
	defer e.Close(h)

	if e.SetTime(h, 100) {
		t.Fatal("SetTime on real-clock service = true")
	}
}

func TestUnknownHandle(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	if id := e.StartTimer(42, 0, 0, 10); id != 0 {
		t.Fatalf("StartTimer on unknown handle = %d", id)
	}
	if e.CancelTimer(42, 1) || e.SetTime(42, 0) {
		t.Fatal("operations on unknown handle must fail")
	}
	if lines := e.Dump(42); lines != nil {
		t.Fatalf("Dump = %v", lines)
	}
	e.Close(42) // no panic
}
