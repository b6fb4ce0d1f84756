package emrsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careops/emrsync/internal/emr"
	"github.com/careops/emrsync/internal/registry"
)

// fakeRemote is an in-memory EMR double keyed by external ID.
type fakeRemote struct {
	mu       sync.Mutex
	patients map[string]emr.Patient
	records  map[string][]emr.MedicalRecord
	nextID   int

	// failUpsertMRN makes UpsertPatient fail for one patient.
	failUpsertMRN string
	upsertErr     error
	upsertCalls   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		patients: make(map[string]emr.Patient),
		records:  make(map[string][]emr.MedicalRecord),
	}
}

func (f *fakeRemote) addPatient(p emr.Patient) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ExternalID == "" {
		f.nextID++
		p.ExternalID = fmt.Sprintf("EXT-%d", f.nextID)
	}
	f.patients[p.ExternalID] = p
	return p.ExternalID
}

func (f *fakeRemote) SearchPatients(_ context.Context, criteria emr.PatientSearchCriteria) ([]emr.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emr.Patient
	for _, p := range f.patients {
		if criteria.MRN != "" && p.MRN != criteria.MRN {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRemote) GetPatientByExternalID(_ context.Context, externalID string) (*emr.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patients[externalID]
	if !ok {
		return nil, emr.ErrNotFound
	}
	return &p, nil
}

func (f *fakeRemote) GetMedicalRecords(_ context.Context, patientExternalID string, _ emr.RecordCriteria) ([]emr.MedicalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emr.MedicalRecord(nil), f.records[patientExternalID]...), nil
}

func (f *fakeRemote) UpsertPatient(_ context.Context, p emr.Patient) (*emr.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.failUpsertMRN != "" && p.MRN == f.failUpsertMRN {
		return nil, f.upsertErr
	}
	if p.ExternalID == "" {
		f.nextID++
		p.ExternalID = fmt.Sprintf("EXT-%d", f.nextID)
	}
	f.patients[p.ExternalID] = p
	return &p, nil
}

func (f *fakeRemote) CreateMedicalRecord(_ context.Context, r emr.MedicalRecord) (*emr.MedicalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ExternalID == "" {
		f.nextID++
		r.ExternalID = fmt.Sprintf("REC-%d", f.nextID)
	}
	recs := f.records[r.PatientExternalID]
	replaced := false
	for i := range recs {
		if recs[i].ExternalID == r.ExternalID {
			recs[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, r)
	}
	f.records[r.PatientExternalID] = recs
	return &r, nil
}

func newTestEngine(t *testing.T, remote EMRClient) (*Engine, *registry.MemStore, *MemConflictStore, *MemRetryStore) {
	t.Helper()
	store := registry.NewMemStore()
	conflicts := NewMemConflictStore()
	retries := NewMemRetryStore()
	e := NewEngine(remote, store, conflicts, retries, zerolog.Nop())
	return e, store, conflicts, retries
}

func localPatient(t *testing.T, store *registry.MemStore, mrn, first string, updatedAt time.Time) *registry.Patient {
	t.Helper()
	p := &registry.Patient{MRN: mrn, FirstName: first, LastName: "Haddad", UpdatedAt: updatedAt}
	if err := store.UpsertPatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

// Three-patient pass: A exists only locally, B is identical on both sides,
// C was edited on both sides. Only A syncs, only C conflicts, B is neither.
func TestRun_PushIdenticalAndConflict(t *testing.T) {
	remote := newFakeRemote()
	e, store, conflicts, _ := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	a := localPatient(t, store, "MRN-A", "Amal", time.Now())

	b := localPatient(t, store, "MRN-B", "Basma", time.Now())
	extB := remote.addPatient(b.ToEMR(""))
	store.LinkExternal(ctx, registry.EntityPatient, b.ID, extB)
	store.SetCheckpoint(ctx, registry.EntityPatient, b.ID, checkpoint)

	c := localPatient(t, store, "MRN-C", "Chadia", time.Now())
	remoteC := c.ToEMR("")
	remoteC.FirstName = "Shadia"
	remoteC.LastModified = time.Now()
	extC := remote.addPatient(remoteC)
	store.LinkExternal(ctx, registry.EntityPatient, c.ID, extC)
	store.SetCheckpoint(ctx, registry.EntityPatient, c.ID, checkpoint)

	res, err := e.Run(ctx, []*registry.Patient{a, b, c}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.SyncedRecords != 1 {
		t.Errorf("expected 1 synced record, got %d", res.SyncedRecords)
	}
	if res.ConflictRecords != 1 {
		t.Errorf("expected 1 conflict record, got %d", res.ConflictRecords)
	}
	if res.ErrorRecords != 0 {
		t.Errorf("expected 0 error records, got %d", res.ErrorRecords)
	}

	// A was pushed and linked.
	extA, _ := store.ExternalID(ctx, registry.EntityPatient, a.ID)
	if extA == "" {
		t.Error("expected patient A linked after push")
	}

	// Neither side of C was mutated.
	gotC, _ := remote.GetPatientByExternalID(ctx, extC)
	if gotC.FirstName != "Shadia" {
		t.Errorf("remote side of the conflict was mutated: %+v", gotC)
	}
	localC, _ := store.GetPatient(ctx, c.ID)
	if localC.FirstName != "Chadia" {
		t.Errorf("local side of the conflict was mutated: %+v", localC)
	}

	open, total, _ := conflicts.ListOpen(ctx, 10, 0)
	if total != 1 || open[0].RecordID != c.ID {
		t.Fatalf("expected exactly one open conflict for C, got total=%d", total)
	}
}

// One failing entity out of ten is isolated: the pass finishes, nine sync,
// and the queue holds exactly one fresh operation.
func TestRun_PartialFailureIsolation(t *testing.T) {
	remote := newFakeRemote()
	remote.failUpsertMRN = "MRN-5"
	remote.upsertErr = fmt.Errorf("%w: request timed out", emr.ErrRemoteUnavailable)
	e, store, _, retries := newTestEngine(t, remote)
	ctx := context.Background()

	var patients []*registry.Patient
	for i := 1; i <= 10; i++ {
		patients = append(patients, localPatient(t, store, fmt.Sprintf("MRN-%d", i), "P", time.Now()))
	}

	res, err := e.Run(ctx, patients, nil, Options{Workers: 3, BatchSize: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.SyncedRecords != 9 {
		t.Errorf("expected 9 synced records, got %d", res.SyncedRecords)
	}
	if res.ErrorRecords != 1 || len(res.Errors) != 1 {
		t.Errorf("expected 1 error record, got %d", res.ErrorRecords)
	}

	ops, _ := retries.List(ctx)
	if len(ops) != 1 {
		t.Fatalf("expected exactly one queued operation, got %d", len(ops))
	}
	if ops[0].RetryCount != 0 {
		t.Errorf("expected retryCount 0 on a fresh operation, got %d", ops[0].RetryCount)
	}
	if ops[0].Kind != OpPatientSync {
		t.Errorf("expected %q, got %q", OpPatientSync, ops[0].Kind)
	}
}

func TestRun_OneSidedRemoteEditIsPulled(t *testing.T) {
	remote := newFakeRemote()
	e, store, _, _ := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	p := localPatient(t, store, "MRN-1", "Aisha", checkpoint.Add(-time.Minute))
	doc := p.ToEMR("")
	doc.FirstName = "Ayesha"
	doc.LastModified = time.Now()
	ext := remote.addPatient(doc)
	store.LinkExternal(ctx, registry.EntityPatient, p.ID, ext)
	store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, checkpoint)

	res, err := e.Run(ctx, []*registry.Patient{p}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SyncedRecords != 1 {
		t.Fatalf("expected 1 synced record, got %d", res.SyncedRecords)
	}

	got, _ := store.GetPatient(ctx, p.ID)
	if got.FirstName != "Ayesha" {
		t.Errorf("expected remote edit applied locally, got %q", got.FirstName)
	}
}

func TestRun_PreferLocalOverridesConflict(t *testing.T) {
	remote := newFakeRemote()
	e, store, conflicts, _ := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())
	doc := p.ToEMR("")
	doc.FirstName = "Ayesha"
	doc.LastModified = time.Now()
	ext := remote.addPatient(doc)
	store.LinkExternal(ctx, registry.EntityPatient, p.ID, ext)
	store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, checkpoint)

	res, err := e.Run(ctx, []*registry.Patient{p}, nil, Options{ConflictStrategy: StrategyPreferLocal})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.SyncedRecords != 1 || res.ConflictRecords != 0 {
		t.Errorf("expected the override to count as synced, got %+v", res)
	}
	if len(res.Overrides) != 1 || res.Overrides[0].Strategy != StrategyPreferLocal {
		t.Fatalf("expected one preferLocal override in the audit trail, got %+v", res.Overrides)
	}

	got, _ := remote.GetPatientByExternalID(ctx, ext)
	if got.FirstName != "Aisha" {
		t.Errorf("expected local version pushed to the remote, got %q", got.FirstName)
	}
	if _, total, _ := conflicts.ListOpen(ctx, 10, 0); total != 0 {
		t.Errorf("expected no stored conflict under preferLocal, got %d", total)
	}
}

func TestRun_AtMostOncePerEntity(t *testing.T) {
	remote := newFakeRemote()
	e, store, _, _ := newTestEngine(t, remote)
	ctx := context.Background()

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())

	// The same entity listed twice is applied once.
	res, err := e.Run(ctx, []*registry.Patient{p, p}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SyncedRecords != 1 {
		t.Errorf("expected 1 synced record, got %d", res.SyncedRecords)
	}
	if remote.upsertCalls != 1 {
		t.Errorf("expected a single remote upsert, got %d", remote.upsertCalls)
	}
}

func TestRun_CancelledContextReturnsPartialResult(t *testing.T) {
	remote := newFakeRemote()
	e, store, _, _ := newTestEngine(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())
	res, err := e.Run(ctx, []*registry.Patient{p}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Cancelled {
		t.Error("expected the result to be marked cancelled")
	}
	if res.SyncedRecords != 0 {
		t.Errorf("expected no work after immediate cancellation, got %d", res.SyncedRecords)
	}
}

func TestRun_SecondConcurrentPassRejected(t *testing.T) {
	remote := newFakeRemote()
	e, _, _, _ := newTestEngine(t, remote)

	e.passMu.Lock()
	defer e.passMu.Unlock()

	if _, err := e.Run(context.Background(), nil, nil, Options{}); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestRun_RemoteOnlyRecordIsPulled(t *testing.T) {
	remote := newFakeRemote()
	e, store, _, _ := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	p := localPatient(t, store, "MRN-1", "Aisha", checkpoint.Add(-time.Minute))
	ext := remote.addPatient(p.ToEMR(""))
	store.LinkExternal(ctx, registry.EntityPatient, p.ID, ext)
	store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, checkpoint)

	summary := "CBC panel"
	local := &registry.MedicalRecord{PatientID: p.ID, RecordType: "lab", Summary: &summary, RecordedAt: time.Now(), UpdatedAt: time.Now()}
	store.UpsertRecord(ctx, local)

	remote.records[ext] = []emr.MedicalRecord{{
		ExternalID:        "REC-9",
		PatientExternalID: ext,
		RecordType:        "radiology",
		Summary:           "chest x-ray",
		RecordedAt:        time.Now(),
		LastModified:      time.Now(),
	}}

	res, err := e.Run(ctx, []*registry.Patient{p}, []*registry.MedicalRecord{local}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The local lab record pushed, the remote radiology record pulled.
	if res.SyncedRecords != 2 {
		t.Errorf("expected 2 synced records, got %d", res.SyncedRecords)
	}

	localID, _ := store.LocalID(ctx, registry.EntityRecord, "REC-9")
	if localID == uuid.Nil {
		t.Fatal("expected the remote-only record linked locally")
	}
	got, err := store.GetRecord(ctx, localID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.RecordType != "radiology" || got.PatientID != p.ID {
		t.Errorf("unexpected pulled record: %+v", got)
	}
}

func TestResolve_KeepLocalWritesLocalPayloadToRemote(t *testing.T) {
	remote := newFakeRemote()
	e, store, conflicts, _ := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())
	doc := p.ToEMR("")
	doc.FirstName = "Ayesha"
	doc.LastModified = time.Now()
	ext := remote.addPatient(doc)
	store.LinkExternal(ctx, registry.EntityPatient, p.ID, ext)
	store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, checkpoint)

	res, err := e.Run(ctx, []*registry.Patient{p}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(res.Conflicts))
	}

	if err := e.Resolve(ctx, res.Conflicts[0].ID, Resolution{Decision: KeepLocal}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := remote.GetPatientByExternalID(ctx, ext)
	if got.FirstName != "Aisha" {
		t.Errorf("expected remote to equal the local payload, got %q", got.FirstName)
	}
	if _, total, _ := conflicts.ListOpen(ctx, 10, 0); total != 0 {
		t.Errorf("expected the conflict removed from the open set, got %d", total)
	}

	// Resolving again reports the conflict as gone.
	if err := e.Resolve(ctx, res.Conflicts[0].ID, Resolution{Decision: KeepLocal}); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("expected ErrConflictNotFound, got %v", err)
	}
}

func TestResolve_RemoteWriteFailureKeepsConflictOpen(t *testing.T) {
	remote := newFakeRemote()
	e, store, conflicts, _ := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())
	doc := p.ToEMR("")
	doc.FirstName = "Ayesha"
	doc.LastModified = time.Now()
	ext := remote.addPatient(doc)
	store.LinkExternal(ctx, registry.EntityPatient, p.ID, ext)
	store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, checkpoint)

	res, err := e.Run(ctx, []*registry.Patient{p}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remote.failUpsertMRN = "MRN-1"
	remote.upsertErr = fmt.Errorf("%w: status 503", emr.ErrRemoteUnavailable)

	err = e.Resolve(ctx, res.Conflicts[0].ID, Resolution{Decision: KeepLocal})
	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("expected ErrApplyFailed, got %v", err)
	}

	// The conflict stays open so the resolution can be retried.
	if _, total, _ := conflicts.ListOpen(ctx, 10, 0); total != 1 {
		t.Fatalf("expected the conflict still open, got %d", total)
	}

	remote.failUpsertMRN = ""
	if err := e.Resolve(ctx, res.Conflicts[0].ID, Resolution{Decision: KeepLocal}); err != nil {
		t.Fatalf("expected idempotent retry to succeed, got %v", err)
	}
}

func TestRetryFailed_ReplaysAndDropsExhausted(t *testing.T) {
	remote := newFakeRemote()
	remote.failUpsertMRN = "MRN-1"
	remote.upsertErr = fmt.Errorf("%w: request timed out", emr.ErrRemoteUnavailable)
	e, store, _, retries := newTestEngine(t, remote)
	ctx := context.Background()

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())

	res, err := e.Run(ctx, []*registry.Patient{p}, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ErrorRecords != 1 {
		t.Fatalf("expected the push to fail, got %+v", res)
	}

	// First replay still fails and increments the count.
	out, err := e.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.StillFailed) != 1 || out.StillFailed[0].RetryCount != 1 {
		t.Fatalf("expected one still-failed operation at retryCount 1, got %+v", out.StillFailed)
	}

	// The remote recovers; the next replay succeeds and drains the queue.
	remote.failUpsertMRN = ""
	out, err = e.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Succeeded) != 1 {
		t.Fatalf("expected one replayed operation, got %+v", out)
	}
	ops, _ := retries.List(ctx)
	if len(ops) != 0 {
		t.Errorf("expected an empty queue, got %d", len(ops))
	}

	ext, _ := store.ExternalID(ctx, registry.EntityPatient, p.ID)
	if ext == "" {
		t.Error("expected the replayed push to link the patient")
	}
}

// An operation one attempt away from the budget that fails again is dropped
// and reported, never retried a fourth time.
func TestRetryFailed_BudgetExhaustion(t *testing.T) {
	remote := newFakeRemote()
	remote.failUpsertMRN = "MRN-1"
	remote.upsertErr = fmt.Errorf("%w: status 503", emr.ErrRemoteUnavailable)
	e, store, _, retries := newTestEngine(t, remote)
	ctx := context.Background()

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())
	op := &FailedOperation{
		Kind:       OpPatientSync,
		EntityType: registry.EntityPatient,
		LocalID:    p.ID,
		Payload:    mustJSON(p.ToEMR("")),
		Error:      "status 503",
		Timestamp:  time.Now(),
		RetryCount: 2,
	}
	retries.Enqueue(ctx, op)

	out, err := e.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Exhausted) != 1 || out.Exhausted[0].RetryCount != 3 {
		t.Fatalf("expected one exhausted operation at retryCount 3, got %+v", out.Exhausted)
	}
	if len(out.StillFailed) != 0 {
		t.Errorf("expected no still-failed operations, got %+v", out.StillFailed)
	}

	ops, _ := retries.List(ctx)
	if len(ops) != 0 {
		t.Errorf("expected the exhausted operation dropped from the queue, got %d", len(ops))
	}
}

// A replay that lands on freshly diverged state files a conflict instead of
// failing again.
func TestRetryFailed_ReplayCanLandAsConflict(t *testing.T) {
	remote := newFakeRemote()
	remote.failUpsertMRN = "MRN-1"
	remote.upsertErr = fmt.Errorf("%w: request timed out", emr.ErrRemoteUnavailable)
	e, store, conflicts, retries := newTestEngine(t, remote)
	ctx := context.Background()
	checkpoint := time.Now().Add(-time.Hour)

	p := localPatient(t, store, "MRN-1", "Aisha", time.Now())
	doc := p.ToEMR("")
	doc.FirstName = "Ayesha"
	doc.LastModified = time.Now()
	ext := remote.addPatient(doc)
	store.LinkExternal(ctx, registry.EntityPatient, p.ID, ext)
	store.SetCheckpoint(ctx, registry.EntityPatient, p.ID, checkpoint)

	op := &FailedOperation{
		Kind:       OpPatientSync,
		EntityType: registry.EntityPatient,
		LocalID:    p.ID,
		Payload:    mustJSON(p.ToEMR(ext)),
		Error:      "request timed out",
		Timestamp:  time.Now(),
	}
	retries.Enqueue(ctx, op)

	out, err := e.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Succeeded) != 1 {
		t.Fatalf("expected the replay to count as handled, got %+v", out)
	}
	if _, total, _ := conflicts.ListOpen(ctx, 10, 0); total != 1 {
		t.Errorf("expected the replay to store a conflict, got %d", total)
	}
}
