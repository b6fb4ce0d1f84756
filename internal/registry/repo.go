package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist locally.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract the sync engine consumes. Implementations
// must be safe for concurrent use.
type Store interface {
	ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	UpsertPatient(ctx context.Context, p *Patient) error

	ListRecords(ctx context.Context, limit, offset int) ([]*MedicalRecord, int, error)
	GetRecord(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	UpsertRecord(ctx context.Context, r *MedicalRecord) error

	// ExternalID returns the linked remote identifier for a local entity, or
	// "" when the entity has never been linked.
	ExternalID(ctx context.Context, entityType EntityType, localID uuid.UUID) (string, error)
	// LocalID is the reverse lookup: the local entity linked to a remote
	// identifier, or uuid.Nil when no link exists.
	LocalID(ctx context.Context, entityType EntityType, externalID string) (uuid.UUID, error)
	// LinkExternal records the local-to-remote mapping. The link is stable:
	// relinking an already-linked entity to a different remote ID is an error.
	LinkExternal(ctx context.Context, entityType EntityType, localID uuid.UUID, externalID string) error

	// Checkpoint returns the last common sync point for an entity; the zero
	// time means the entity has never completed a sync.
	Checkpoint(ctx context.Context, entityType EntityType, localID uuid.UUID) (time.Time, error)
	SetCheckpoint(ctx context.Context, entityType EntityType, localID uuid.UUID, at time.Time) error
}
