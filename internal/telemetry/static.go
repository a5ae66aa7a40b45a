package telemetry

import (
	"context"
	"sync"
)

type staticKey struct {
	service string
	kind    Kind
	opType  string
}

// Static serves values held in memory. Values set without an operation type apply
// to every operation type of the service.
type Static struct {
	mu     sync.RWMutex
	values map[staticKey]float64
}

func NewStatic() *Static {
	return &Static{values: make(map[staticKey]float64)}
}

// Set records a value for service and kind.
func (s *Static) Set(service string, kind Kind, v float64) {
	s.SetFor(service, kind, "", v)
}

// SetFor records a value scoped to one operation type.
func (s *Static) SetFor(service string, kind Kind, opType string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[staticKey{service, kind, opType}] = v
}

// Clear removes every value recorded for service.
func (s *Static) Clear(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.values {
		if k.service == service {
			delete(s.values, k)
		}
	}
}

func (s *Static) Query(ctx context.Context, q Query) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q.OperationType != "" {
		if v, ok := s.values[staticKey{q.Service, q.Kind, q.OperationType}]; ok {
			return v, nil
		}
	}
	if v, ok := s.values[staticKey{q.Service, q.Kind, ""}]; ok {
		return v, nil
	}
	return 0, ErrNoData
}
