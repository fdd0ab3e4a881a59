package timer

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"timerd/pkg/logx"
)

func TestErrorLogCapacity(t *testing.T) {
	resetErrors()
	defer resetErrors()

	for i := 0; i < errorLogCapacity+1; i++ {
		appendError(ErrorRecord{
			Issue: fmt.Sprintf("issue-%d", i),
			Op:    "cancel",
			Tag:   "capacity",
			When:  time.Now(),
		}, logx.Nop())
	}

	recs := Errors()
	if len(recs) != errorLogCapacity {
		t.Fatalf("len = %d, want %d", len(recs), errorLogCapacity)
	}
	// The oldest record was evicted; insertion order is preserved.
	if recs[0].Issue != "issue-1" {
		t.Fatalf("recs[0].Issue = %q, want issue-1", recs[0].Issue)
	}
	if recs[len(recs)-1].Issue != fmt.Sprintf("issue-%d", errorLogCapacity) {
		t.Fatalf("recs[last].Issue = %q", recs[len(recs)-1].Issue)
	}
}

func TestAuditSinkUninstallDuringRecording(t *testing.T) {
	resetErrors()
	defer resetErrors()
	defer SetAuditSink(nil)

	// Recorders must survive the sink being swapped or torn down under
	// them; a send on a closed forwarding channel would panic here.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := ErrorRecord{Issue: "notFound", Op: "cancel", Tag: "churn", When: time.Now()}
		for {
			select {
			case <-stop:
				return
			default:
				appendError(rec, logx.Nop())
			}
		}
	}()

	for i := 0; i < 5000; i++ {
		SetAuditSink(func(ErrorRecord) {})
		SetAuditSink(nil)
	}
	close(stop)
	wg.Wait()
}

func TestDumpErrorsRendering(t *testing.T) {
	resetErrors()
	defer resetErrors()

	var empty strings.Builder
	DumpErrors(&empty)
	if empty.Len() != 0 {
		t.Fatalf("empty ring rendered %q", empty.String())
	}

	appendError(ErrorRecord{
		Issue: "notFound",
		Op:    "accept",
		Tag:   "dumptest",
		Arg:   "key-1",
		Stack: "a\nb",
		When:  time.Now(),
	}, logx.Nop())

	var b strings.Builder
	DumpErrors(&b)
	out := b.String()
	for _, want := range []string{"Errors", "op:accept", "issue:notFound", "tag:dumptest", "arg:key-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestAuditSinkReceivesCopies(t *testing.T) {
	resetErrors()
	defer resetErrors()

	got := make(chan ErrorRecord, 4)
	SetAuditSink(func(rec ErrorRecord) { got <- rec })
	defer SetAuditSink(nil)

	appendError(ErrorRecord{Issue: "expired", Op: "cancel", Tag: "audit", When: time.Now()}, logx.Nop())

	select {
	case rec := <-got:
		if rec.Issue != "expired" || rec.Tag != "audit" {
			t.Fatalf("got %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never invoked")
	}
}
