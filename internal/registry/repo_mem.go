package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type linkKey struct {
	entityType EntityType
	localID    uuid.UUID
}

// MemStore is a thread-safe in-memory Store used in tests and the one-shot
// CLI mode.
type MemStore struct {
	mu          sync.RWMutex
	patients    map[uuid.UUID]*Patient
	records     map[uuid.UUID]*MedicalRecord
	links       map[linkKey]string
	checkpoints map[linkKey]time.Time
	// ordered keys for deterministic pagination
	patientOrder []uuid.UUID
	recordOrder  []uuid.UUID
}

// NewMemStore creates an empty in-memory registry store.
func NewMemStore() *MemStore {
	return &MemStore{
		patients:    make(map[uuid.UUID]*Patient),
		records:     make(map[uuid.UUID]*MedicalRecord),
		links:       make(map[linkKey]string),
		checkpoints: make(map[linkKey]time.Time),
	}
}

func (s *MemStore) ListPatients(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.patientOrder)
	if offset >= total {
		return []*Patient{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Patient, 0, end-offset)
	for _, id := range s.patientOrder[offset:end] {
		cp := *s.patients[id]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) UpsertPatient(_ context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, ok := s.patients[p.ID]; !ok {
		s.patientOrder = append(s.patientOrder, p.ID)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
	}
	cp := *p
	s.patients[p.ID] = &cp
	return nil
}

func (s *MemStore) ListRecords(_ context.Context, limit, offset int) ([]*MedicalRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.recordOrder)
	if offset >= total {
		return []*MedicalRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*MedicalRecord, 0, end-offset)
	for _, id := range s.recordOrder[offset:end] {
		cp := *s.records[id]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemStore) GetRecord(_ context.Context, id uuid.UUID) (*MedicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) UpsertRecord(_ context.Context, r *MedicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if _, ok := s.records[r.ID]; !ok {
		s.recordOrder = append(s.recordOrder, r.ID)
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *MemStore) ExternalID(_ context.Context, entityType EntityType, localID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links[linkKey{entityType, localID}], nil
}

func (s *MemStore) LocalID(_ context.Context, entityType EntityType, externalID string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, ext := range s.links {
		if key.entityType == entityType && ext == externalID {
			return key.localID, nil
		}
	}
	return uuid.Nil, nil
}

func (s *MemStore) LinkExternal(_ context.Context, entityType EntityType, localID uuid.UUID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey{entityType, localID}
	if existing, ok := s.links[key]; ok && existing != externalID {
		return fmt.Errorf("entity %s/%s already linked to %s", entityType, localID, existing)
	}
	s.links[key] = externalID
	return nil
}

func (s *MemStore) Checkpoint(_ context.Context, entityType EntityType, localID uuid.UUID) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[linkKey{entityType, localID}], nil
}

func (s *MemStore) SetCheckpoint(_ context.Context, entityType EntityType, localID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[linkKey{entityType, localID}] = at
	return nil
}
