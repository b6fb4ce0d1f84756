package emr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithCallTimeout sets the per-call deadline applied to every request.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithMetrics installs a shared metrics window (e.g. one also read by the
// health monitor).
func WithMetrics(m *CallMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithFacilityID sets the facility identifier sent with authentication.
func WithFacilityID(id string) ClientOption {
	return func(c *Client) { c.facilityID = id }
}

// Client talks to the Malaffi EMR over HTTPS. It is safe for concurrent use;
// the shared bearer token is refreshed behind a mutex and every call records
// its latency and outcome into the metrics window.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	creds       CredentialsProvider
	logger      zerolog.Logger
	metrics     *CallMetrics
	callTimeout time.Duration
	facilityID  string

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
	tokenGen uint64
}

// NewClient creates an EMR client. Pass zerolog.Nop() to silence logging.
func NewClient(baseURL string, creds CredentialsProvider, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		creds:       creds,
		logger:      logger,
		metrics:     NewCallMetrics(0),
		callTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Metrics exposes the rolling call-metrics window for the health monitor.
func (c *Client) Metrics() *CallMetrics {
	return c.metrics
}

// SearchPatients queries the EMR patient index.
func (c *Client) SearchPatients(ctx context.Context, criteria PatientSearchCriteria) ([]Patient, error) {
	q := url.Values{}
	if criteria.MRN != "" {
		q.Set("mrn", criteria.MRN)
	}
	if criteria.EmiratesID != "" {
		q.Set("emiratesId", criteria.EmiratesID)
	}
	if criteria.FamilyName != "" {
		q.Set("family", criteria.FamilyName)
	}
	if criteria.Limit > 0 {
		q.Set("limit", strconv.Itoa(criteria.Limit))
	}

	var out struct {
		Patients []Patient `json:"patients"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/patients", q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Patients {
		out.Patients[i].Source = SourceRemote
	}
	return out.Patients, nil
}

// GetPatientByExternalID fetches one patient. Returns ErrNotFound when the
// EMR has no patient under that ID.
func (c *Client) GetPatientByExternalID(ctx context.Context, externalID string) (*Patient, error) {
	var p Patient
	if err := c.do(ctx, http.MethodGet, "/api/v1/patients/"+url.PathEscape(externalID), nil, nil, &p); err != nil {
		return nil, err
	}
	p.Source = SourceRemote
	return &p, nil
}

// GetMedicalRecords fetches the records filed under a remote patient.
func (c *Client) GetMedicalRecords(ctx context.Context, patientExternalID string, criteria RecordCriteria) ([]MedicalRecord, error) {
	q := url.Values{}
	if criteria.RecordType != "" {
		q.Set("type", criteria.RecordType)
	}
	if !criteria.Since.IsZero() {
		q.Set("since", criteria.Since.UTC().Format(time.RFC3339))
	}
	if criteria.Limit > 0 {
		q.Set("limit", strconv.Itoa(criteria.Limit))
	}

	var out struct {
		Records []MedicalRecord `json:"records"`
	}
	path := "/api/v1/patients/" + url.PathEscape(patientExternalID) + "/records"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Records {
		out.Records[i].Source = SourceRemote
	}
	return out.Records, nil
}

// UpsertPatient creates or updates a patient by external ID. The returned
// patient carries the EMR-assigned external ID on first create.
func (c *Client) UpsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	var out Patient
	if err := c.do(ctx, http.MethodPut, "/api/v1/patients", nil, p, &out); err != nil {
		return nil, err
	}
	out.Source = SourceRemote
	return &out, nil
}

// CreateMedicalRecord files a new record under its patient.
func (c *Client) CreateMedicalRecord(ctx context.Context, r MedicalRecord) (*MedicalRecord, error) {
	var out MedicalRecord
	path := "/api/v1/patients/" + url.PathEscape(r.PatientExternalID) + "/records"
	if err := c.do(ctx, http.MethodPost, path, nil, r, &out); err != nil {
		return nil, err
	}
	out.Source = SourceRemote
	return &out, nil
}

// do executes one authenticated request. A 401 triggers a single serialized
// re-authentication and retry; timeouts and transport failures map to
// ErrRemoteUnavailable. Latency and outcome are recorded for every attempt.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	token, gen, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	status, err := c.send(ctx, method, path, query, body, out, token)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return c.statusError(status)
	}

	// Session rejected: one transparent re-authentication, then retry.
	c.metrics.RecordAuthFailure()
	token, err = c.refreshToken(ctx, gen)
	if err != nil {
		// Re-authentication itself failed; escalate as unavailable.
		return fmt.Errorf("re-authentication failed: %w", err)
	}

	status, err = c.send(ctx, method, path, query, body, out, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	return c.statusError(status)
}

// send performs a single HTTP attempt and decodes a 2xx body into out.
// It returns the status code for non-transport failures.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body, out interface{}, token string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: marshal request body: %v", ErrValidation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		c.metrics.Record(latency, true)
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("EMR call failed")
		return 0, fmt.Errorf("%w: %s %s: %v", ErrRemoteUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	failed := resp.StatusCode >= 400
	c.metrics.Record(latency, failed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrRemoteUnavailable, err)
			}
		} else {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
		}
		return resp.StatusCode, nil
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode, nil
}

// statusError maps a non-401 status code to the error taxonomy. 2xx maps to
// nil.
func (c *Client) statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", ErrValidation, status)
	default:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, status)
	}
}
