package timer

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"weak"
)

// dumper is the non-generic face a Service shows the registry.
type dumper interface {
	Label() string
	Dump(w io.Writer)
}

// instances tracks every open service for DumpAll. References are weak so
// the registry never keeps an abandoned service alive; entries for
// collected services are skipped at dump time, entries for closed services
// are removed eagerly.
var instances = struct {
	mu     sync.Mutex
	nextID uint64
	live   map[uint64]instanceRef
}{live: map[uint64]instanceRef{}}

type instanceRef struct {
	label string
	get   func() dumper
}

func register[K comparable](s *Service[K]) uint64 {
	p := weak.Make(s)
	instances.mu.Lock()
	defer instances.mu.Unlock()
	instances.nextID++
	id := instances.nextID
	instances.live[id] = instanceRef{
		label: s.label,
		get: func() dumper {
			if sp := p.Value(); sp != nil {
				return sp
			}
			return nil
		},
	}
	return id
}

func unregister(id uint64) {
	instances.mu.Lock()
	delete(instances.live, id)
	instances.mu.Unlock()
}

// DumpAll writes a diagnostic report covering every live service, ordered
// by label. With verbose set, the global error log is appended.
func DumpAll(w io.Writer, verbose bool) {
	instances.mu.Lock()
	refs := make([]instanceRef, 0, len(instances.live))
	for _, r := range instances.live {
		refs = append(refs, r)
	}
	instances.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].label < refs[j].label })
	fmt.Fprintln(w, "Timer services")
	for _, r := range refs {
		d := r.get()
		if d == nil {
			continue
		}
		d.Dump(w)
	}
	if verbose {
		DumpErrors(w)
	}
}
