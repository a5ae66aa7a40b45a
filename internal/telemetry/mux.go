package telemetry

import (
	"context"
	"fmt"
)

// Mux routes each kind to a dedicated source, falling back to Default.
type Mux struct {
	Routes  map[Kind]Source
	Default Source
}

// Route registers src for kinds and returns m for chaining.
func (m *Mux) Route(src Source, kinds ...Kind) *Mux {
	if m.Routes == nil {
		m.Routes = make(map[Kind]Source)
	}
	for _, k := range kinds {
		m.Routes[k] = src
	}
	return m
}

func (m *Mux) Query(ctx context.Context, q Query) (float64, error) {
	if src, ok := m.Routes[q.Kind]; ok && src != nil {
		return src.Query(ctx, q)
	}
	if m.Default == nil {
		return 0, fmt.Errorf("%w: no source for %s", ErrUnavailable, q.Kind)
	}
	return m.Default.Query(ctx, q)
}
