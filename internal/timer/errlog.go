package timer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timerd/pkg/logx"
)

// errorLogCapacity bounds the global anomaly ring. Oldest entries are
// evicted first.
const errorLogCapacity = 20

// ErrorRecord describes one detected protocol anomaly. Records exist for
// offline diagnosis only; no behavior depends on them.
type ErrorRecord struct {
	// Issue is the kind of anomaly, e.g. "notFound" or "acceptWhileRunning".
	Issue string
	// Op is the operation that detected it: cancel, accept, discard, ...
	Op string
	// Tag is the label of the service the operation ran against.
	Tag string
	// Arg is the stringified key passed to the operation.
	Arg string
	// Stack is a short excerpt localizing the client call site.
	Stack string
	// When is the wall-clock time the anomaly was recorded.
	When time.Time
}

// errorLog is the process-wide anomaly ring. It has its own lock,
// independent of any service's, so recording never contends with timer
// hot paths. It must never fail: it is invoked from error paths.
var errorLog = struct {
	mu      sync.Mutex
	records []ErrorRecord
	// limiter throttles the warn-level log line that accompanies each
	// record; the ring itself is always appended.
	limiter *rate.Limiter
	sink    chan ErrorRecord
}{
	limiter: rate.NewLimiter(rate.Every(time.Second), 5),
}

// appendError records an anomaly in the global ring and, when a sink is
// installed, forwards a copy without blocking.
func appendError(rec ErrorRecord, log logx.Logger) {
	errorLog.mu.Lock()
	if len(errorLog.records) >= errorLogCapacity {
		copy(errorLog.records, errorLog.records[1:])
		errorLog.records[len(errorLog.records)-1] = rec
	} else {
		errorLog.records = append(errorLog.records, rec)
	}
	// The send stays under the lock: SetAuditSink closes the channel
	// under the same lock, so an uninstall can never close it out from
	// under a sender. The send itself never blocks.
	if errorLog.sink != nil {
		select {
		case errorLog.sink <- rec:
		default:
			// Audit is best-effort; never block an error path.
		}
	}
	throttled := !errorLog.limiter.Allow()
	errorLog.mu.Unlock()

	if !throttled && !log.IsZero() {
		log.Warn("timer protocol anomaly",
			logx.String("op", rec.Op),
			logx.String("issue", rec.Issue),
			logx.String("tag", rec.Tag),
			logx.String("arg", rec.Arg))
	}
}

// Errors returns a snapshot of the ring in insertion order.
func Errors() []ErrorRecord {
	errorLog.mu.Lock()
	defer errorLog.mu.Unlock()
	out := make([]ErrorRecord, len(errorLog.records))
	copy(out, errorLog.records)
	return out
}

// resetErrors clears the ring. Tests only.
func resetErrors() {
	errorLog.mu.Lock()
	errorLog.records = nil
	errorLog.mu.Unlock()
}

// SetAuditSink routes a copy of every future anomaly to fn. Forwarding is
// asynchronous and lossy under pressure. Passing nil uninstalls the sink
// and stops the forwarding worker.
func SetAuditSink(fn func(ErrorRecord)) {
	errorLog.mu.Lock()
	defer errorLog.mu.Unlock()
	if old := errorLog.sink; old != nil {
		// Closing under the lock keeps appendError's send safe.
		close(old)
	}
	if fn == nil {
		errorLog.sink = nil
		return
	}
	ch := make(chan ErrorRecord, 64)
	errorLog.sink = ch
	go func() {
		for rec := range ch {
			fn(rec)
		}
	}()
}

// DumpErrors renders the ring in insertion order.
func DumpErrors(w io.Writer) {
	recs := Errors()
	if len(recs) == 0 {
		return
	}
	fmt.Fprintln(w, "Errors")
	for i, r := range recs {
		fmt.Fprintf(w, "  %2d: op:%s tag:%s issue:%s arg:%s\n", i, r.Op, r.Tag, r.Issue, r.Arg)
		fmt.Fprintf(w, "      date:%s\n", r.When.Format(time.RFC3339))
		for _, line := range strings.Split(r.Stack, "\n") {
			fmt.Fprintf(w, "      %s\n", line)
		}
	}
}
