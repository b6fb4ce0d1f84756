// Package emrsync implements bidirectional synchronization against the
// Malaffi EMR: conflict detection and resolution, the orchestrated sync pass,
// the failed-operation retry queue, and connection health monitoring.
package emrsync

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/careops/emrsync/internal/registry"
)

// Errors specific to conflict resolution, retries, and pass scheduling.
var (
	// ErrConflictNotFound is returned when resolving an unknown or already
	// resolved conflict.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrApplyFailed is returned when writing a resolution back to either
	// side fails. The conflict stays open so resolution can be retried.
	ErrApplyFailed = errors.New("failed to apply resolution")

	// ErrRetryBudgetExhausted marks an operation dropped from automatic
	// retry after exceeding the configured maximum.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrOperationNotFound is returned when updating or removing an unknown
	// queued operation.
	ErrOperationNotFound = errors.New("queued operation not found")

	// ErrSyncInProgress is returned when a pass or queue replay is requested
	// while another holds the exclusive write lease.
	ErrSyncInProgress = errors.New("a sync pass is already in progress")
)

// ConflictStrategy selects how divergent double-edits are handled.
type ConflictStrategy string

const (
	StrategyManual       ConflictStrategy = "manual"
	StrategyPreferLocal  ConflictStrategy = "preferLocal"
	StrategyPreferRemote ConflictStrategy = "preferRemote"
)

// Options tune one sync pass.
type Options struct {
	ConflictStrategy ConflictStrategy `json:"conflict_strategy"`
	BatchSize        int              `json:"batch_size"`
	Workers          int              `json:"workers"`
	// EnableRealTimeMonitoring starts the health monitor for the duration of
	// the pass when it is not already running.
	EnableRealTimeMonitoring bool `json:"enable_real_time_monitoring"`
}

func (o Options) withDefaults() Options {
	if o.ConflictStrategy == "" {
		o.ConflictStrategy = StrategyManual
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

// ConflictStatus is the lifecycle state of a stored conflict.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict holds two divergent versions of the same entity pending a
// resolution decision. Only the conflict store mutates it.
type Conflict struct {
	ID             uuid.UUID           `json:"id"`
	RecordID       uuid.UUID           `json:"record_id"` // local entity ID
	EntityType     registry.EntityType `json:"entity_type"`
	ExternalID     string              `json:"external_id"`
	LocalVersion   json.RawMessage     `json:"local_version"`
	RemoteVersion  json.RawMessage     `json:"remote_version"`
	LocalModified  time.Time           `json:"local_modified"`
	RemoteModified time.Time           `json:"remote_modified"`
	DetectedAt     time.Time           `json:"detected_at"`
	Status         ConflictStatus      `json:"status"`
	Resolution     string              `json:"resolution,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
}

// Decision selects the winning side when resolving a conflict.
type Decision string

const (
	KeepLocal  Decision = "keepLocal"
	KeepRemote Decision = "keepRemote"
	Merge      Decision = "merge"
)

// Resolution is an explicit conflict decision. Merged carries the merged
// entity document and is required when Decision is Merge.
type Resolution struct {
	Decision Decision        `json:"decision"`
	Merged   json.RawMessage `json:"merged,omitempty"`
}

// Override records an automatic conflict resolution applied under a
// non-manual strategy, kept in the pass result for audit.
type Override struct {
	RecordID   uuid.UUID           `json:"record_id"`
	EntityType registry.EntityType `json:"entity_type"`
	Strategy   ConflictStrategy    `json:"strategy"`
	AppliedAt  time.Time           `json:"applied_at"`
}

// SyncError describes one entity failure recovered during a pass.
type SyncError struct {
	RecordID   uuid.UUID           `json:"record_id"`
	EntityType registry.EntityType `json:"entity_type"`
	Message    string              `json:"message"`
}

// Result summarizes one orchestration pass. It is immutable once returned;
// a new pass produces a new Result.
type Result struct {
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	SyncedRecords   int         `json:"synced_records"`
	ErrorRecords    int         `json:"error_records"`
	ConflictRecords int         `json:"conflict_records"`
	Conflicts       []Conflict  `json:"conflicts"`
	Errors          []SyncError `json:"errors"`
	Overrides       []Override  `json:"overrides,omitempty"`
	Cancelled       bool        `json:"cancelled"`
}

// OperationKind names how a queued operation replays.
type OperationKind string

const (
	// OpPatientSync and OpRecordSync re-run the full per-entity sync for the
	// local entity, so a replay observes the current state of both sides.
	OpPatientSync OperationKind = "patient.sync"
	OpRecordSync  OperationKind = "record.sync"
	// OpRecordPull applies a remote-only record locally from the queued
	// payload.
	OpRecordPull OperationKind = "record.pull"
)

// FailedOperation captures an operation that errored during a sync pass,
// queued for explicit replay. RetryCount only ever grows and is bounded by
// the engine's configured maximum.
type FailedOperation struct {
	ID         uuid.UUID           `json:"id"`
	Kind       OperationKind       `json:"kind"`
	EntityType registry.EntityType `json:"entity_type"`
	LocalID    uuid.UUID           `json:"local_id"`
	Payload    json.RawMessage     `json:"payload"`
	Error      string              `json:"error"`
	Timestamp  time.Time           `json:"timestamp"`
	RetryCount int                 `json:"retry_count"`
}

// RetryOutcome reports one replay of the retry queue. Exhausted operations
// have been dropped from automatic retry and need manual intervention.
type RetryOutcome struct {
	Succeeded   []uuid.UUID       `json:"succeeded"`
	StillFailed []FailedOperation `json:"still_failed"`
	Exhausted   []FailedOperation `json:"exhausted"`
}

// HealthState is the overall integration health classification.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
)

// IntegrationHealth is a current-state snapshot recomputed on every
// monitoring tick; each tick replaces the previous value, including Issues.
type IntegrationHealth struct {
	Overall         HealthState   `json:"overall_health"`
	APIResponseTime time.Duration `json:"api_response_time_ns"`
	ErrorRate       float64       `json:"error_rate"`
	Uptime          time.Duration `json:"uptime_ns"`
	LastHealthCheck time.Time     `json:"last_health_check"`
	Issues          []string      `json:"issues"`
}
