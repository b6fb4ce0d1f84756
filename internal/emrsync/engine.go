package emrsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careops/emrsync/internal/emr"
	"github.com/careops/emrsync/internal/registry"
)

// EMRClient is the remote EMR surface the engine consumes. *emr.Client
// satisfies it; tests substitute fakes.
type EMRClient interface {
	SearchPatients(ctx context.Context, criteria emr.PatientSearchCriteria) ([]emr.Patient, error)
	GetPatientByExternalID(ctx context.Context, externalID string) (*emr.Patient, error)
	GetMedicalRecords(ctx context.Context, patientExternalID string, criteria emr.RecordCriteria) ([]emr.MedicalRecord, error)
	UpsertPatient(ctx context.Context, p emr.Patient) (*emr.Patient, error)
	CreateMedicalRecord(ctx context.Context, r emr.MedicalRecord) (*emr.MedicalRecord, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxRetries bounds automatic replay attempts per queued operation.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithMonitor attaches a health monitor started for passes that request
// real-time monitoring.
func WithMonitor(m *Monitor) EngineOption {
	return func(e *Engine) { e.monitor = m }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine drives bidirectional sync passes, conflict resolution, and retry
// queue replay. The conflict store and retry queue are only written under the
// exclusive pass lease; reads are always allowed.
type Engine struct {
	remote     EMRClient
	store      registry.Store
	conflicts  ConflictStore
	retries    RetryStore
	monitor    *Monitor
	logger     zerolog.Logger
	maxRetries int
	now        func() time.Time

	passMu sync.Mutex // exclusive pass lease
}

// NewEngine wires the sync engine. maxRetries defaults to 3.
func NewEngine(remote EMRClient, store registry.Store, conflicts ConflictStore, retries RetryStore, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		remote:     remote,
		store:      store,
		conflicts:  conflicts,
		retries:    retries,
		logger:     logger,
		maxRetries: 3,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// passState accumulates one pass's result under a mutex shared by the
// batch workers.
type passState struct {
	opts Options

	mu   sync.Mutex
	seen map[uuid.UUID]struct{}
	res  *Result
}

func newPassState(opts Options, startedAt time.Time) *passState {
	return &passState{
		opts: opts,
		seen: make(map[uuid.UUID]struct{}),
		res:  &Result{StartedAt: startedAt},
	}
}

// claim enforces at-most-once processing per entity within the pass.
func (st *passState) claim(id uuid.UUID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.seen[id]; ok {
		return false
	}
	st.seen[id] = struct{}{}
	return true
}

func (st *passState) record(out entityOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case out.class == ClassNoop:
		// Identical payloads count as neither synced nor conflicting.
	case out.conflict != nil:
		st.res.ConflictRecords++
		st.res.Conflicts = append(st.res.Conflicts, *out.conflict)
	default:
		st.res.SyncedRecords++
		if out.override != nil {
			st.res.Overrides = append(st.res.Overrides, *out.override)
		}
	}
}

func (st *passState) fail(se SyncError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.res.ErrorRecords++
	st.res.Errors = append(st.res.Errors, se)
}

func (st *passState) finish(at time.Time, cancelled bool) *Result {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.res.FinishedAt = at
	st.res.Cancelled = cancelled
	return st.res
}

// entityOutcome reports how one entity was handled.
type entityOutcome struct {
	class    Classification
	conflict *Conflict
	override *Override
}

// recordCache caches each patient's remote record set so a pass fetches it
// once per patient, not once per record.
type recordCache struct {
	remote EMRClient

	mu        sync.Mutex
	byPatient map[string][]emr.MedicalRecord
}

func newRecordCache(remote EMRClient) *recordCache {
	return &recordCache{remote: remote, byPatient: make(map[string][]emr.MedicalRecord)}
}

func (c *recordCache) fetch(ctx context.Context, patientExternalID string) ([]emr.MedicalRecord, error) {
	c.mu.Lock()
	if docs, ok := c.byPatient[patientExternalID]; ok {
		c.mu.Unlock()
		return docs, nil
	}
	c.mu.Unlock()

	docs, err := c.remote.GetMedicalRecords(ctx, patientExternalID, emr.RecordCriteria{})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byPatient[patientExternalID] = docs
	c.mu.Unlock()
	return docs, nil
}

func (c *recordCache) snapshot() map[string][]emr.MedicalRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]emr.MedicalRecord, len(c.byPatient))
	for k, v := range c.byPatient {
		out[k] = v
	}
	return out
}

// Run performs one bidirectional pass over the given local entity sets.
// Per-entity failures are queued for retry and never abort the pass; on
// cancellation the partial result is returned with Cancelled set. A second
// concurrent pass is rejected with ErrSyncInProgress.
func (e *Engine) Run(ctx context.Context, patients []*registry.Patient, records []*registry.MedicalRecord, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if !e.passMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.passMu.Unlock()

	if opts.EnableRealTimeMonitoring && e.monitor != nil {
		if e.monitor.Start() {
			defer e.monitor.Stop()
		}
	}

	st := newPassState(opts, e.now())
	cache := newRecordCache(e.remote)

	e.logger.Info().
		Int("patients", len(patients)).
		Int("records", len(records)).
		Str("strategy", string(opts.ConflictStrategy)).
		Msg("sync pass started")

	cancelled := e.runBatches(ctx, len(patients), opts, func(ctx context.Context, i int) {
		e.processPatient(ctx, patients[i], st)
	})
	if !cancelled {
		cancelled = e.runBatches(ctx, len(records), opts, func(ctx context.Context, i int) {
			e.processRecord(ctx, records[i], st, cache)
		})
	}
	if !cancelled {
		e.pullRemoteOnlyRecords(ctx, st, cache)
		cancelled = ctx.Err() != nil
	}

	res := st.finish(e.now(), cancelled)
	e.logger.Info().
		Int("synced", res.SyncedRecords).
		Int("errors", res.ErrorRecords).
		Int("conflicts", res.ConflictRecords).
		Bool("cancelled", res.Cancelled).
		Msg("sync pass finished")
	return res, nil
}

// runBatches dispatches fn over [0,n) in batches of opts.BatchSize with at
// most opts.Workers in flight. Returns true when the context was cancelled
// before all entities were dispatched.
func (e *Engine) runBatches(ctx context.Context, n int, opts Options, fn func(ctx context.Context, i int)) bool {
	sem := make(chan struct{}, opts.Workers)
	var wg sync.WaitGroup
	for start := 0; start < n; start += opts.BatchSize {
		if ctx.Err() != nil {
			return true
		}
		end := start + opts.BatchSize
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			if ctx.Err() != nil {
				wg.Wait()
				return true
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				fn(ctx, i)
			}(i)
		}
		wg.Wait()
	}
	return false
}

func (e *Engine) processPatient(ctx context.Context, p *registry.Patient, st *passState) {
	if !st.claim(p.ID) {
		return
	}
	out, err := e.syncPatientEntity(ctx, p, st.opts.ConflictStrategy)
	if err != nil {
		e.queueFailure(ctx, st, OpPatientSync, registry.EntityPatient, p.ID, mustJSON(p.ToEMR("")), err)
		return
	}
	st.record(out)
}

func (e *Engine) processRecord(ctx context.Context, r *registry.MedicalRecord, st *passState, cache *recordCache) {
	if !st.claim(r.ID) {
		return
	}
	out, err := e.syncRecordEntity(ctx, r, st.opts.ConflictStrategy, cache)
	if err != nil {
		e.queueFailure(ctx, st, OpRecordSync, registry.EntityRecord, r.ID, mustJSON(r.ToEMR("", "")), err)
		return
	}
	st.record(out)
}

// syncPatientEntity runs the full detect-and-apply flow for one local
// patient against its remote counterpart.
func (e *Engine) syncPatientEntity(ctx context.Context, p *registry.Patient, strategy ConflictStrategy) (entityOutcome, error) {
	var out entityOutcome

	extID, err := e.store.ExternalID(ctx, registry.EntityPatient, p.ID)
	if err != nil {
		return out, err
	}

	var remote *emr.Patient
	if extID == "" {
		// Never linked: try to match an existing remote patient by MRN before
		// creating a duplicate.
		if p.MRN != "" {
			matches, err := e.remote.SearchPatients(ctx, emr.PatientSearchCriteria{MRN: p.MRN, Limit: 2})
			if err != nil {
				return out, err
			}
			if len(matches) == 1 && matches[0].ExternalID != "" {
				extID = matches[0].ExternalID
				if err := e.store.LinkExternal(ctx, registry.EntityPatient, p.ID, extID); err != nil {
					return out, err
				}
				remote = &matches[0]
			}
		}
	} else {
		remote, err = e.remote.GetPatientByExternalID(ctx, extID)
		if errors.Is(err, emr.ErrNotFound) {
			// Linked but gone remotely; recreate by push.
			remote, err = nil, nil
		}
		if err != nil {
			return out, err
		}
	}

	checkpoint, err := e.store.Checkpoint(ctx, registry.EntityPatient, p.ID)
	if err != nil {
		return out, err
	}

	wire := p.ToEMR(extID)
	var remoteModified time.Time
	if remote != nil {
		remoteModified = remote.LastModified
	}
	out.class = Classify(&wire, remote, p.UpdatedAt, remoteModified, checkpoint)

	switch out.class {
	case ClassNoop:
		return out, e.store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, e.now())
	case ClassPush, ClassLocalNewer:
		return out, e.pushPatient(ctx, p, wire)
	case ClassRemoteNewer:
		return out, e.pullPatient(ctx, p, *remote)
	default: // ClassConflict
		switch strategy {
		case StrategyPreferLocal:
			if err := e.pushPatient(ctx, p, wire); err != nil {
				return out, err
			}
			out.override = &Override{RecordID: p.ID, EntityType: registry.EntityPatient, Strategy: strategy, AppliedAt: e.now()}
			return out, nil
		case StrategyPreferRemote:
			if err := e.pullPatient(ctx, p, *remote); err != nil {
				return out, err
			}
			out.override = &Override{RecordID: p.ID, EntityType: registry.EntityPatient, Strategy: strategy, AppliedAt: e.now()}
			return out, nil
		default:
			c, err := e.storeConflict(ctx, registry.EntityPatient, p.ID, extID, mustJSON(wire), mustJSON(remote), p.UpdatedAt, remoteModified)
			out.conflict = c
			return out, err
		}
	}
}

func (e *Engine) pushPatient(ctx context.Context, p *registry.Patient, wire emr.Patient) error {
	created, err := e.remote.UpsertPatient(ctx, wire)
	if err != nil {
		return err
	}
	if wire.ExternalID == "" && created.ExternalID != "" {
		if err := e.store.LinkExternal(ctx, registry.EntityPatient, p.ID, created.ExternalID); err != nil {
			return err
		}
	}
	return e.store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, e.now())
}

func (e *Engine) pullPatient(ctx context.Context, p *registry.Patient, src emr.Patient) error {
	p.ApplyEMR(src)
	if err := e.store.UpsertPatient(ctx, p); err != nil {
		return err
	}
	return e.store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, e.now())
}

// syncRecordEntity runs the detect-and-apply flow for one local medical
// record. The record's patient must already be linked; unlinked patients
// leave the record queued until a later pass links them.
func (e *Engine) syncRecordEntity(ctx context.Context, r *registry.MedicalRecord, strategy ConflictStrategy, cache *recordCache) (entityOutcome, error) {
	var out entityOutcome

	patientExt, err := e.store.ExternalID(ctx, registry.EntityPatient, r.PatientID)
	if err != nil {
		return out, err
	}
	if patientExt == "" {
		return out, fmt.Errorf("patient %s not linked to the EMR yet", r.PatientID)
	}

	extID, err := e.store.ExternalID(ctx, registry.EntityRecord, r.ID)
	if err != nil {
		return out, err
	}

	remotes, err := cache.fetch(ctx, patientExt)
	if err != nil {
		return out, err
	}
	var remote *emr.MedicalRecord
	if extID != "" {
		for i := range remotes {
			if remotes[i].ExternalID == extID {
				remote = &remotes[i]
				break
			}
		}
	}

	checkpoint, err := e.store.Checkpoint(ctx, registry.EntityRecord, r.ID)
	if err != nil {
		return out, err
	}

	wire := r.ToEMR(extID, patientExt)
	var remoteModified time.Time
	if remote != nil {
		remoteModified = remote.LastModified
	}
	out.class = Classify(&wire, remote, r.UpdatedAt, remoteModified, checkpoint)

	switch out.class {
	case ClassNoop:
		return out, e.store.SetCheckpoint(ctx, registry.EntityRecord, r.ID, e.now())
	case ClassPush, ClassLocalNewer:
		return out, e.pushRecord(ctx, r, wire)
	case ClassRemoteNewer:
		return out, e.pullRecord(ctx, r, *remote)
	default: // ClassConflict
		switch strategy {
		case StrategyPreferLocal:
			if err := e.pushRecord(ctx, r, wire); err != nil {
				return out, err
			}
			out.override = &Override{RecordID: r.ID, EntityType: registry.EntityRecord, Strategy: strategy, AppliedAt: e.now()}
			return out, nil
		case StrategyPreferRemote:
			if err := e.pullRecord(ctx, r, *remote); err != nil {
				return out, err
			}
			out.override = &Override{RecordID: r.ID, EntityType: registry.EntityRecord, Strategy: strategy, AppliedAt: e.now()}
			return out, nil
		default:
			c, err := e.storeConflict(ctx, registry.EntityRecord, r.ID, extID, mustJSON(wire), mustJSON(remote), r.UpdatedAt, remoteModified)
			out.conflict = c
			return out, err
		}
	}
}

func (e *Engine) pushRecord(ctx context.Context, r *registry.MedicalRecord, wire emr.MedicalRecord) error {
	created, err := e.remote.CreateMedicalRecord(ctx, wire)
	if err != nil {
		return err
	}
	if wire.ExternalID == "" && created.ExternalID != "" {
		if err := e.store.LinkExternal(ctx, registry.EntityRecord, r.ID, created.ExternalID); err != nil {
			return err
		}
	}
	return e.store.SetCheckpoint(ctx, registry.EntityRecord, r.ID, e.now())
}

func (e *Engine) pullRecord(ctx context.Context, r *registry.MedicalRecord, src emr.MedicalRecord) error {
	r.ApplyEMR(src)
	if err := e.store.UpsertRecord(ctx, r); err != nil {
		return err
	}
	return e.store.SetCheckpoint(ctx, registry.EntityRecord, r.ID, e.now())
}

// pullRemoteOnlyRecords creates local copies of remote records that no local
// record links to, for every patient whose record set this pass fetched.
func (e *Engine) pullRemoteOnlyRecords(ctx context.Context, st *passState, cache *recordCache) {
	for patientExt, docs := range cache.snapshot() {
		for _, doc := range docs {
			if ctx.Err() != nil {
				return
			}
			if doc.ExternalID == "" {
				continue
			}
			localID, err := e.store.LocalID(ctx, registry.EntityRecord, doc.ExternalID)
			if err != nil || localID != uuid.Nil {
				continue
			}
			doc.PatientExternalID = patientExt
			if err := e.applyRemoteRecord(ctx, doc); err != nil {
				e.queueFailure(ctx, st, OpRecordPull, registry.EntityRecord, uuid.Nil, mustJSON(doc), err)
				continue
			}
			st.record(entityOutcome{class: ClassPull})
		}
	}
}

// applyRemoteRecord materializes a remote record locally, creating the local
// row on first sight and linking it to the remote ID.
func (e *Engine) applyRemoteRecord(ctx context.Context, doc emr.MedicalRecord) error {
	localID, err := e.store.LocalID(ctx, registry.EntityRecord, doc.ExternalID)
	if err != nil {
		return err
	}

	var r *registry.MedicalRecord
	if localID != uuid.Nil {
		r, err = e.store.GetRecord(ctx, localID)
		if err != nil {
			return err
		}
	} else {
		patientLocal, err := e.store.LocalID(ctx, registry.EntityPatient, doc.PatientExternalID)
		if err != nil {
			return err
		}
		if patientLocal == uuid.Nil {
			return fmt.Errorf("no local patient linked to remote patient %s", doc.PatientExternalID)
		}
		r = &registry.MedicalRecord{PatientID: patientLocal}
	}

	r.ApplyEMR(doc)
	if err := e.store.UpsertRecord(ctx, r); err != nil {
		return err
	}
	if err := e.store.LinkExternal(ctx, registry.EntityRecord, r.ID, doc.ExternalID); err != nil {
		return err
	}
	return e.store.SetCheckpoint(ctx, registry.EntityRecord, r.ID, e.now())
}

func (e *Engine) storeConflict(ctx context.Context, entityType registry.EntityType, localID uuid.UUID, externalID string, localDoc, remoteDoc json.RawMessage, localModified, remoteModified time.Time) (*Conflict, error) {
	c := &Conflict{
		ID:             uuid.New(),
		RecordID:       localID,
		EntityType:     entityType,
		ExternalID:     externalID,
		LocalVersion:   localDoc,
		RemoteVersion:  remoteDoc,
		LocalModified:  localModified,
		RemoteModified: remoteModified,
		DetectedAt:     e.now(),
		Status:         ConflictOpen,
	}
	if err := e.conflicts.Put(ctx, c); err != nil {
		return nil, err
	}
	e.logger.Warn().
		Str("entity_type", string(entityType)).
		Stringer("local_id", localID).
		Str("external_id", externalID).
		Msg("divergent edits detected, conflict stored for manual resolution")
	return c, nil
}

func (e *Engine) queueFailure(ctx context.Context, st *passState, kind OperationKind, entityType registry.EntityType, localID uuid.UUID, payload json.RawMessage, cause error) {
	op := &FailedOperation{
		ID:         uuid.New(),
		Kind:       kind,
		EntityType: entityType,
		LocalID:    localID,
		Payload:    payload,
		Error:      cause.Error(),
		Timestamp:  e.now(),
	}
	if err := e.retries.Enqueue(ctx, op); err != nil {
		e.logger.Error().Err(err).Stringer("local_id", localID).Msg("failed to queue operation for retry")
	}
	st.fail(SyncError{RecordID: localID, EntityType: entityType, Message: cause.Error()})
	e.logger.Warn().
		Err(cause).
		Str("kind", string(kind)).
		Stringer("local_id", localID).
		Msg("entity sync failed, queued for retry")
}

// ListOpenConflicts returns open conflicts for inspection. Reads do not take
// the pass lease.
func (e *Engine) ListOpenConflicts(ctx context.Context, limit, offset int) ([]*Conflict, int, error) {
	return e.conflicts.ListOpen(ctx, limit, offset)
}

// ListFailedOperations returns the queued operations for inspection.
func (e *Engine) ListFailedOperations(ctx context.Context) ([]*FailedOperation, error) {
	return e.retries.List(ctx)
}

// Resolve applies an explicit decision to an open conflict: the winning
// document is written to both sides before the conflict is marked resolved.
// When either write fails the conflict stays open and Resolve can be retried.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, res Resolution) error {
	if !e.passMu.TryLock() {
		return ErrSyncInProgress
	}
	defer e.passMu.Unlock()

	c, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != ConflictOpen {
		return ErrConflictNotFound
	}

	var winner json.RawMessage
	switch res.Decision {
	case KeepLocal:
		winner = c.LocalVersion
	case KeepRemote:
		winner = c.RemoteVersion
	case Merge:
		if len(res.Merged) == 0 {
			return fmt.Errorf("merge resolution requires a merged document")
		}
		winner = res.Merged
	default:
		return fmt.Errorf("unknown resolution decision %q", res.Decision)
	}

	if err := e.applyResolution(ctx, c, winner); err != nil {
		return fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}
	if err := e.conflicts.MarkResolved(ctx, id, string(res.Decision), e.now()); err != nil {
		return err
	}
	e.logger.Info().
		Stringer("conflict_id", id).
		Str("decision", string(res.Decision)).
		Msg("conflict resolved")
	return e.store.SetCheckpoint(ctx, c.EntityType, c.RecordID, e.now())
}

func (e *Engine) applyResolution(ctx context.Context, c *Conflict, winner json.RawMessage) error {
	switch c.EntityType {
	case registry.EntityPatient:
		var doc emr.Patient
		if err := json.Unmarshal(winner, &doc); err != nil {
			return fmt.Errorf("decode winning patient document: %w", err)
		}
		doc.ExternalID = c.ExternalID
		if _, err := e.remote.UpsertPatient(ctx, doc); err != nil {
			return err
		}
		p, err := e.store.GetPatient(ctx, c.RecordID)
		if err != nil {
			return err
		}
		p.ApplyEMR(doc)
		return e.store.UpsertPatient(ctx, p)
	case registry.EntityRecord:
		var doc emr.MedicalRecord
		if err := json.Unmarshal(winner, &doc); err != nil {
			return fmt.Errorf("decode winning record document: %w", err)
		}
		doc.ExternalID = c.ExternalID
		if _, err := e.remote.CreateMedicalRecord(ctx, doc); err != nil {
			return err
		}
		r, err := e.store.GetRecord(ctx, c.RecordID)
		if err != nil {
			return err
		}
		r.ApplyEMR(doc)
		return e.store.UpsertRecord(ctx, r)
	default:
		return fmt.Errorf("unknown entity type %q", c.EntityType)
	}
}

// RetryFailed replays every queued operation once. Succeeded operations leave
// the queue; failures increment their retry count and are dropped once the
// budget is exhausted.
func (e *Engine) RetryFailed(ctx context.Context) (*RetryOutcome, error) {
	if !e.passMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.passMu.Unlock()

	ops, err := e.retries.List(ctx)
	if err != nil {
		return nil, err
	}

	out := &RetryOutcome{}
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if err := e.replay(ctx, op); err != nil {
			op.RetryCount++
			op.Error = err.Error()
			if op.RetryCount >= e.maxRetries {
				if rerr := e.retries.Remove(ctx, op.ID); rerr != nil {
					e.logger.Error().Err(rerr).Stringer("op_id", op.ID).Msg("failed to drop exhausted operation")
				}
				out.Exhausted = append(out.Exhausted, *op)
				e.logger.Error().
					Err(ErrRetryBudgetExhausted).
					Stringer("op_id", op.ID).
					Str("kind", string(op.Kind)).
					Int("retry_count", op.RetryCount).
					Msg("operation needs manual intervention")
				continue
			}
			if uerr := e.retries.Update(ctx, op); uerr != nil {
				e.logger.Error().Err(uerr).Stringer("op_id", op.ID).Msg("failed to update queued operation")
			}
			out.StillFailed = append(out.StillFailed, *op)
			continue
		}
		if err := e.retries.Remove(ctx, op.ID); err != nil {
			e.logger.Error().Err(err).Stringer("op_id", op.ID).Msg("failed to remove replayed operation")
		}
		out.Succeeded = append(out.Succeeded, op.ID)
	}
	return out, nil
}

// replay re-executes one queued operation against the current state of both
// sides. Sync kinds re-run the full per-entity flow, so a replay may land as
// a conflict instead of an apply; that still counts as handled.
func (e *Engine) replay(ctx context.Context, op *FailedOperation) error {
	switch op.Kind {
	case OpPatientSync:
		p, err := e.store.GetPatient(ctx, op.LocalID)
		if err != nil {
			return err
		}
		_, err = e.syncPatientEntity(ctx, p, StrategyManual)
		return err
	case OpRecordSync:
		r, err := e.store.GetRecord(ctx, op.LocalID)
		if err != nil {
			return err
		}
		_, err = e.syncRecordEntity(ctx, r, StrategyManual, newRecordCache(e.remote))
		return err
	case OpRecordPull:
		var doc emr.MedicalRecord
		if err := json.Unmarshal(op.Payload, &doc); err != nil {
			return fmt.Errorf("decode queued record document: %w", err)
		}
		return e.applyRemoteRecord(ctx, doc)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
