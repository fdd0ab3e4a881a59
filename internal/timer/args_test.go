package timer

import (
	"reflect"
	"testing"
)

func TestSplitPointValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		percent int
		token   int
		wantErr bool
	}{
		{name: "ok", percent: 50, token: 1},
		{name: "full timeout", percent: 100, token: 1},
		{name: "zero token", percent: 50, token: 0, wantErr: true},
		{name: "zero percent", percent: 0, token: 1, wantErr: true},
		{name: "over hundred", percent: 101, token: 1, wantErr: true},
		{name: "negative percent", percent: -5, token: 1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewArgs().SplitPoint(tc.percent, tc.token)
			if (err != nil) != tc.wantErr {
				t.Fatalf("SplitPoint(%d, %d) = %v, wantErr=%v", tc.percent, tc.token, err, tc.wantErr)
			}
		})
	}
}

func TestSplitPointsSortedAndDeduped(t *testing.T) {
	t.Parallel()
	a := NewArgs()
	for _, sp := range []SplitPoint{{75, 3}, {25, 1}, {50, 9}, {50, 2}, {25, 1}} {
		if err := a.SplitPoint(sp.Percent, sp.Token); err != nil {
			t.Fatalf("SplitPoint(%+v): %v", sp, err)
		}
	}
	// Sorted by (percent, token); the exact duplicate collapsed.
	if got, want := a.SplitPercents(), []int{25, 50, 50, 75}; !reflect.DeepEqual(got, want) {
		t.Fatalf("percents = %v, want %v", got, want)
	}
	if got, want := a.SplitTokens(), []int{1, 2, 9, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
}

func TestSamePercentDistinctTokens(t *testing.T) {
	t.Parallel()
	a := NewArgs()
	if err := a.SplitPoint(50, 1); err != nil {
		t.Fatal(err)
	}
	if err := a.SplitPoint(50, 2); err != nil {
		t.Fatal(err)
	}
	if got := a.SplitTokens(); len(got) != 2 {
		t.Fatalf("tokens = %v, want two entries", got)
	}
}

func TestDiagnosticSplitToggle(t *testing.T) {
	t.Parallel()
	a := NewArgs().DiagnosticSplit(true)
	if got := a.SplitTokens(); len(got) != 1 || got[0] != TokenDiagnostic {
		t.Fatalf("tokens = %v", got)
	}
	a.DiagnosticSplit(false)
	if got := a.SplitTokens(); len(got) != 0 {
		t.Fatalf("tokens after disable = %v", got)
	}
	// Disabling twice is harmless.
	a.DiagnosticSplit(false)
	if got := a.SplitTokens(); len(got) != 0 {
		t.Fatalf("tokens = %v", got)
	}
}
