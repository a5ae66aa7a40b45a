package lifecycle

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when an operation id is unknown to the store and its loader.
	ErrNotFound = errors.New("operation not found")
	// ErrBusy is returned by TryDo while another writer owns the operation.
	ErrBusy = errors.New("operation is being driven by another writer")
)

// Loader faults an operation in from durable storage on a store miss.
type Loader func(id string) (*Operation, error)

// Store maps operation ids to aggregates and serializes writers per id.
// Whoever is inside Do for an id owns that operation until fn returns.
type Store struct {
	mu    sync.Mutex
	ops   map[string]*Operation
	locks map[string]*sync.Mutex
	load  Loader
}

// NewStore creates an empty store. load may be nil.
func NewStore(load Loader) *Store {
	return &Store{
		ops:   make(map[string]*Operation),
		locks: make(map[string]*sync.Mutex),
		load:  load,
	}
}

func (s *Store) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mu, ok := s.locks[id]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.locks[id] = mu
	return mu
}

// Put registers op, replacing any previous aggregate with the same id.
func (s *Store) Put(op *Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID()] = op
}

// Get returns the cached or loaded operation without taking the writer lock.
// Use it for reads only.
func (s *Store) Get(id string) (*Operation, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	s.mu.Unlock()
	if ok {
		return op, nil
	}
	return s.fault(id)
}

// Do runs fn with exclusive write ownership of operation id.
func (s *Store) Do(id string, fn func(op *Operation) error) error {
	mu := s.keyLock(id)
	mu.Lock()
	defer mu.Unlock()
	return s.run(id, false, fn)
}

// DoLatest is Do on a freshly loaded aggregate. Writers in other processes may have
// moved the operation since it was cached.
func (s *Store) DoLatest(id string, fn func(op *Operation) error) error {
	mu := s.keyLock(id)
	mu.Lock()
	defer mu.Unlock()
	return s.run(id, true, fn)
}

// TryDo is Do without waiting: it fails with ErrBusy if the operation is owned.
func (s *Store) TryDo(id string, fn func(op *Operation) error) error {
	mu := s.keyLock(id)
	if !mu.TryLock() {
		return ErrBusy
	}
	defer mu.Unlock()
	return s.run(id, false, fn)
}

// TryDoLatest is TryDo on a freshly loaded aggregate.
func (s *Store) TryDoLatest(id string, fn func(op *Operation) error) error {
	mu := s.keyLock(id)
	if !mu.TryLock() {
		return ErrBusy
	}
	defer mu.Unlock()
	return s.run(id, true, fn)
}

func (s *Store) run(id string, fresh bool, fn func(op *Operation) error) error {
	if fresh && s.load != nil {
		s.Evict(id)
	}
	op, err := s.Get(id)
	if err != nil {
		return err
	}
	return fn(op)
}

// Evict drops the cached aggregate so the next access reloads it. Writer
// ownership is untouched.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
}

// Delete drops an operation, e.g. after it reached a terminal state and was archived.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	delete(s.locks, id)
}

// Len returns the number of cached operations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func (s *Store) fault(id string) (*Operation, error) {
	if s.load == nil {
		return nil, ErrNotFound
	}
	op, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ops[id]; ok {
		return existing, nil
	}
	s.ops[id] = op
	return op, nil
}
