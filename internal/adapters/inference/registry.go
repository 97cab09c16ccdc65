package inference

import (
	"context"
	"sort"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// Registry maps job kinds to backends, preferring earlier entries. A kind with
// no healthy backend resolves to nothing, which the provider reports as a
// rejection rather than accepting work it cannot run.
type Registry struct {
	byKind map[domain.JobKind][]ports.InferenceBackend
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[domain.JobKind][]ports.InferenceBackend)}
}

// Register adds a backend for a kind. Order of registration is priority order.
func (r *Registry) Register(kind domain.JobKind, backend ports.InferenceBackend) {
	r.byKind[kind] = append(r.byKind[kind], backend)
}

// For returns the first healthy backend registered for the kind.
func (r *Registry) For(ctx context.Context, kind domain.JobKind) (ports.InferenceBackend, bool) {
	for _, b := range r.byKind[kind] {
		if b.Healthy(ctx) {
			return b, true
		}
	}
	return nil, false
}

// Models lists the distinct backend names across all kinds, for announcements.
func (r *Registry) Models() []string {
	seen := make(map[string]struct{})
	for _, backends := range r.byKind {
		for _, b := range backends {
			seen[b.Name()] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
