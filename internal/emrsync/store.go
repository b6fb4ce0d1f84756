package emrsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictStore persists detected conflicts across passes so that manual
// resolution can happen out of band.
type ConflictStore interface {
	Put(ctx context.Context, c *Conflict) error
	Get(ctx context.Context, id uuid.UUID) (*Conflict, error)
	ListOpen(ctx context.Context, limit, offset int) ([]*Conflict, int, error)
	// MarkResolved transitions an open conflict to resolved. Resolving an
	// unknown or already resolved conflict returns ErrConflictNotFound.
	MarkResolved(ctx context.Context, id uuid.UUID, resolution string, at time.Time) error
}

// RetryStore holds failed operations queued for explicit replay.
type RetryStore interface {
	Enqueue(ctx context.Context, op *FailedOperation) error
	List(ctx context.Context) ([]*FailedOperation, error)
	Update(ctx context.Context, op *FailedOperation) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// MemConflictStore is a thread-safe in-memory ConflictStore.
type MemConflictStore struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*Conflict
	order     []uuid.UUID
}

// NewMemConflictStore creates an empty in-memory conflict store.
func NewMemConflictStore() *MemConflictStore {
	return &MemConflictStore{conflicts: make(map[uuid.UUID]*Conflict)}
}

func (s *MemConflictStore) Put(_ context.Context, c *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, ok := s.conflicts[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	cp := *c
	s.conflicts[c.ID] = &cp
	return nil
}

func (s *MemConflictStore) Get(_ context.Context, id uuid.UUID) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemConflictStore) ListOpen(_ context.Context, limit, offset int) ([]*Conflict, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]*Conflict, 0, len(s.order))
	for _, id := range s.order {
		if c := s.conflicts[id]; c.Status == ConflictOpen {
			open = append(open, c)
		}
	}
	total := len(open)
	if offset >= total {
		return []*Conflict{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Conflict, 0, end-offset)
	for _, c := range open[offset:end] {
		cp := *c
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemConflictStore) MarkResolved(_ context.Context, id uuid.UUID, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok || c.Status != ConflictOpen {
		return ErrConflictNotFound
	}
	c.Status = ConflictResolved
	c.Resolution = resolution
	c.ResolvedAt = &at
	return nil
}

// MemRetryStore is a thread-safe in-memory RetryStore. Operations replay in
// enqueue order.
type MemRetryStore struct {
	mu    sync.RWMutex
	ops   map[uuid.UUID]*FailedOperation
	order []uuid.UUID
}

// NewMemRetryStore creates an empty in-memory retry queue.
func NewMemRetryStore() *MemRetryStore {
	return &MemRetryStore{ops: make(map[uuid.UUID]*FailedOperation)}
}

func (s *MemRetryStore) Enqueue(_ context.Context, op *FailedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if _, ok := s.ops[op.ID]; !ok {
		s.order = append(s.order, op.ID)
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemRetryStore) List(_ context.Context) ([]*FailedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FailedOperation, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.ops[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemRetryStore) Update(_ context.Context, op *FailedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemRetryStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; !ok {
		return nil
	}
	delete(s.ops, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
