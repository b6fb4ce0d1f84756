package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the Postgres-backed registry store.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

const patientCols = `id, mrn, first_name, last_name, birth_date, gender, nationality,
	emirates_id, phone, email, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	p := &Patient{}
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.Nationality, &p.EmiratesID, &p.Phone, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *storePG) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+patientCols+` FROM patient ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *storePG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (s *storePG) UpsertPatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patient (id, mrn, first_name, last_name, birth_date, gender, nationality,
			emirates_id, phone, email, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			mrn = EXCLUDED.mrn,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			birth_date = EXCLUDED.birth_date,
			gender = EXCLUDED.gender,
			nationality = EXCLUDED.nationality,
			emirates_id = EXCLUDED.emirates_id,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.MRN, p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Nationality,
		p.EmiratesID, p.Phone, p.Email, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

const recordCols = `id, patient_id, record_type, summary, clinical_data, recorded_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*MedicalRecord, error) {
	r := &MedicalRecord{}
	err := row.Scan(&r.ID, &r.PatientID, &r.RecordType, &r.Summary, &r.ClinicalData,
		&r.RecordedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *storePG) ListRecords(ctx context.Context, limit, offset int) ([]*MedicalRecord, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM medical_record`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordCols+` FROM medical_record ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*MedicalRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *storePG) GetRecord(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordCols+` FROM medical_record WHERE id = $1`, id))
}

func (s *storePG) UpsertRecord(ctx context.Context, r *MedicalRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO medical_record (id, patient_id, record_type, summary, clinical_data, recorded_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			record_type = EXCLUDED.record_type,
			summary = EXCLUDED.summary,
			clinical_data = EXCLUDED.clinical_data,
			recorded_at = EXCLUDED.recorded_at,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.PatientID, r.RecordType, r.Summary, r.ClinicalData, r.RecordedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *storePG) ExternalID(ctx context.Context, entityType EntityType, localID uuid.UUID) (string, error) {
	var externalID string
	err := s.pool.QueryRow(ctx,
		`SELECT external_id FROM emr_link WHERE entity_type = $1 AND local_id = $2`,
		entityType, localID).Scan(&externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get external link: %w", err)
	}
	return externalID, nil
}

func (s *storePG) LocalID(ctx context.Context, entityType EntityType, externalID string) (uuid.UUID, error) {
	var localID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT local_id FROM emr_link WHERE entity_type = $1 AND external_id = $2`,
		entityType, externalID).Scan(&localID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("reverse external link: %w", err)
	}
	return localID, nil
}

func (s *storePG) LinkExternal(ctx context.Context, entityType EntityType, localID uuid.UUID, externalID string) error {
	existing, err := s.ExternalID(ctx, entityType, localID)
	if err != nil {
		return err
	}
	if existing != "" && existing != externalID {
		return fmt.Errorf("entity %s/%s already linked to %s", entityType, localID, existing)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO emr_link (entity_type, local_id, external_id, linked_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (entity_type, local_id) DO NOTHING`,
		entityType, localID, externalID, time.Now())
	if err != nil {
		return fmt.Errorf("link external: %w", err)
	}
	return nil
}

func (s *storePG) Checkpoint(ctx context.Context, entityType EntityType, localID uuid.UUID) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT synced_at FROM sync_checkpoint WHERE entity_type = $1 AND local_id = $2`,
		entityType, localID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return at, nil
}

func (s *storePG) SetCheckpoint(ctx context.Context, entityType EntityType, localID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_checkpoint (entity_type, local_id, synced_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (entity_type, local_id) DO UPDATE SET synced_at = EXCLUDED.synced_at`,
		entityType, localID, at)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}
