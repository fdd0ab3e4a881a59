package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"timerd/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreRoundtrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	entries := []AnomalyEntry{
		{At: time.Now(), Service: "anr", Op: "cancel", Issue: "notFound", Arg: "pid:12"},
		{At: time.Now(), Service: "anr", Op: "accept", Issue: "expired", Arg: "pid:13"},
		{At: time.Now(), Service: "watchdog", Op: "discard", Issue: "notFound", Arg: "w1"},
	}
	for _, e := range entries {
		if err := st.AppendAnomaly(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.RecentAnomalies(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Issue != "notFound" || got[1].Op != "accept" {
		t.Fatalf("got %+v", got)
	}

	limited, err := st.RecentAnomalies(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Op != "accept" {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("empty path accepted")
	}
}
