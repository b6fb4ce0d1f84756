// Package emr implements the HTTP client for the Malaffi external EMR:
// authentication and token refresh, patient search, record fetch and create,
// and per-call latency/error accounting consumed by the health monitor.
package emr

import (
	"encoding/json"
	"time"
)

// Source tags which system a particular entity version came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Patient is the demographics document exchanged with the EMR. The schema is
// owned by the remote system; fields here mirror its versioned contract.
type Patient struct {
	ExternalID   string    `json:"externalId,omitempty"`
	MRN          string    `json:"mrn"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	BirthDate    string    `json:"birthDate,omitempty"` // YYYY-MM-DD
	Gender       string    `json:"gender,omitempty"`
	Nationality  string    `json:"nationality,omitempty"`
	EmiratesID   string    `json:"emiratesId,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	LastModified time.Time `json:"lastModified"`
	Source       Source    `json:"-"`
}

// MedicalRecord is the clinical document exchanged with the EMR.
type MedicalRecord struct {
	ExternalID        string          `json:"externalId,omitempty"`
	PatientExternalID string          `json:"patientExternalId"`
	RecordType        string          `json:"recordType"` // e.g. "lab", "radiology", "discharge-summary"
	Summary           string          `json:"summary,omitempty"`
	ClinicalData      json.RawMessage `json:"clinicalData,omitempty"`
	RecordedAt        time.Time       `json:"recordedAt"`
	LastModified      time.Time       `json:"lastModified"`
	Source            Source          `json:"-"`
}

// PatientSearchCriteria narrows a remote patient search. Zero-value fields
// are omitted from the query.
type PatientSearchCriteria struct {
	MRN        string
	EmiratesID string
	FamilyName string
	Limit      int
}

// RecordCriteria narrows a remote medical-record fetch.
type RecordCriteria struct {
	RecordType string
	Since      time.Time
	Limit      int
}
