package timer

import (
	"fmt"
	"sort"
)

// TokenDiagnostic is the well-known split token added by
// Args.DiagnosticSplit. Consumers that see an early notification with this
// token are expected to capture extra diagnostics for the timed operation
// before it fully times out.
const TokenDiagnostic = 0x4454

// diagnosticSplitPercent is where the diagnostic split fires.
const diagnosticSplitPercent = 50

// SplitPoint is a percentage-of-timeout threshold paired with a token.
// When a running timer crosses the threshold, an early notification
// carrying the token is delivered. Token zero is reserved for terminal
// expirations and may not be used.
type SplitPoint struct {
	Percent int
	Token   int
}

// Args configures one Service. The zero value disables the accelerated
// backend; use the chainable setters to build a configuration:
//
//	args := timer.NewArgs().Enable(true).Extend(true)
//	if err := args.SplitPoint(50, myToken); err != nil { ... }
type Args struct {
	enable   bool
	extend   bool
	testMode bool

	// splits stays sorted by (percent, token); no two entries collide.
	splits []SplitPoint

	engine TimerEngine
}

// NewArgs returns a configuration with the accelerated backend enabled.
func NewArgs() *Args {
	return &Args{enable: true}
}

// Enable selects the accelerated backend (subject to successful engine
// initialization). Disabling it pins the service to the simple backend.
func (a *Args) Enable(flag bool) *Args {
	a.enable = flag
	return a
}

// Extend lets the backend grant load-aware extensions when a timer reaches
// its nominal timeout.
func (a *Args) Extend(flag bool) *Args {
	a.extend = flag
	return a
}

// TestMode disconnects the accelerated backend from the real clock; the
// service's view of "now" is then driven by SetTime. Only useful in tests.
func (a *Args) TestMode(flag bool) *Args {
	a.testMode = flag
	return a
}

// Engine overrides the timer engine the accelerated backend binds to.
// Mostly useful to share one engine across services or to inject a double.
func (a *Args) Engine(e TimerEngine) *Args {
	a.engine = e
	return a
}

// SplitPoint adds an early-notification threshold. Percent must be in
// (0,100] and token must be non-zero. Two points may share a percent as
// long as their tokens differ; exact duplicates collapse.
func (a *Args) SplitPoint(percent, token int) error {
	if token == 0 {
		return fmt.Errorf("split point token may not be zero")
	}
	if percent <= 0 || percent > 100 {
		return fmt.Errorf("split point percent %d outside (0,100]", percent)
	}
	p := SplitPoint{Percent: percent, Token: token}
	i := sort.Search(len(a.splits), func(i int) bool {
		s := a.splits[i]
		if s.Percent != p.Percent {
			return s.Percent >= p.Percent
		}
		return s.Token >= p.Token
	})
	if i < len(a.splits) && a.splits[i] == p {
		return nil
	}
	a.splits = append(a.splits, SplitPoint{})
	copy(a.splits[i+1:], a.splits[i:])
	a.splits[i] = p
	return nil
}

// DiagnosticSplit enables or disables the well-known diagnostic split
// point at 50% of the timeout.
func (a *Args) DiagnosticSplit(enabled bool) *Args {
	p := SplitPoint{Percent: diagnosticSplitPercent, Token: TokenDiagnostic}
	if enabled {
		_ = a.SplitPoint(p.Percent, p.Token)
		return a
	}
	for i, s := range a.splits {
		if s == p {
			a.splits = append(a.splits[:i], a.splits[i+1:]...)
			break
		}
	}
	return a
}

// SplitPercents returns the percent column of the split table, in order.
func (a *Args) SplitPercents() []int {
	out := make([]int, len(a.splits))
	for i, s := range a.splits {
		out[i] = s.Percent
	}
	return out
}

// SplitTokens returns the token column of the split table, in order.
func (a *Args) SplitTokens() []int {
	out := make([]int, len(a.splits))
	for i, s := range a.splits {
		out[i] = s.Token
	}
	return out
}
