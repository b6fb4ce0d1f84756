// Package registry provides access to the local system of record: patients,
// medical records, the local-to-remote identifier links established on first
// successful create, and the per-entity sync checkpoints the conflict
// detector compares against.
package registry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/careops/emrsync/internal/emr"
)

// EntityType discriminates the two synchronized entity kinds.
type EntityType string

const (
	EntityPatient EntityType = "patient"
	EntityRecord  EntityType = "medical_record"
)

// Patient maps to the patient table.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	MRN         string     `db:"mrn" json:"mrn"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender      *string    `db:"gender" json:"gender,omitempty"`
	Nationality *string    `db:"nationality" json:"nationality,omitempty"`
	EmiratesID  *string    `db:"emirates_id" json:"emirates_id,omitempty"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	Email       *string    `db:"email" json:"email,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// ToEMR converts the local patient into the EMR wire document. externalID may
// be empty for a patient not yet linked.
func (p *Patient) ToEMR(externalID string) emr.Patient {
	out := emr.Patient{
		ExternalID:   externalID,
		MRN:          p.MRN,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		LastModified: p.UpdatedAt,
		Source:       emr.SourceLocal,
	}
	if p.BirthDate != nil {
		out.BirthDate = p.BirthDate.Format("2006-01-02")
	}
	if p.Gender != nil {
		out.Gender = *p.Gender
	}
	if p.Nationality != nil {
		out.Nationality = *p.Nationality
	}
	if p.EmiratesID != nil {
		out.EmiratesID = *p.EmiratesID
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Email != nil {
		out.Email = *p.Email
	}
	return out
}

// ApplyEMR overwrites the local demographics with the remote document.
// Identity fields (ID, CreatedAt) are preserved.
func (p *Patient) ApplyEMR(src emr.Patient) {
	p.MRN = src.MRN
	p.FirstName = src.FirstName
	p.LastName = src.LastName
	p.UpdatedAt = src.LastModified
	if src.BirthDate != "" {
		if bd, err := time.Parse("2006-01-02", src.BirthDate); err == nil {
			p.BirthDate = &bd
		}
	}
	p.Gender = optional(src.Gender)
	p.Nationality = optional(src.Nationality)
	p.EmiratesID = optional(src.EmiratesID)
	p.Phone = optional(src.Phone)
	p.Email = optional(src.Email)
}

// MedicalRecord maps to the medical_record table.
type MedicalRecord struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	PatientID    uuid.UUID       `db:"patient_id" json:"patient_id"`
	RecordType   string          `db:"record_type" json:"record_type"`
	Summary      *string         `db:"summary" json:"summary,omitempty"`
	ClinicalData json.RawMessage `db:"clinical_data" json:"clinical_data,omitempty"`
	RecordedAt   time.Time       `db:"recorded_at" json:"recorded_at"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// ToEMR converts the local record into the EMR wire document.
// patientExternalID identifies the remote patient the record files under.
func (r *MedicalRecord) ToEMR(externalID, patientExternalID string) emr.MedicalRecord {
	out := emr.MedicalRecord{
		ExternalID:        externalID,
		PatientExternalID: patientExternalID,
		RecordType:        r.RecordType,
		ClinicalData:      r.ClinicalData,
		RecordedAt:        r.RecordedAt,
		LastModified:      r.UpdatedAt,
		Source:            emr.SourceLocal,
	}
	if r.Summary != nil {
		out.Summary = *r.Summary
	}
	return out
}

// ApplyEMR overwrites the local clinical content with the remote document.
func (r *MedicalRecord) ApplyEMR(src emr.MedicalRecord) {
	r.RecordType = src.RecordType
	r.Summary = optional(src.Summary)
	r.ClinicalData = src.ClinicalData
	if !src.RecordedAt.IsZero() {
		r.RecordedAt = src.RecordedAt
	}
	r.UpdatedAt = src.LastModified
}

// ExternalLink maps to the emr_link table: the stable local-to-remote ID
// mapping established on first successful create.
type ExternalLink struct {
	LocalID    uuid.UUID  `db:"local_id" json:"local_id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	ExternalID string     `db:"external_id" json:"external_id"`
	LinkedAt   time.Time  `db:"linked_at" json:"linked_at"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
