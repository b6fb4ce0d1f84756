package emr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeEMR is a minimal in-process Malaffi stand-in. Handlers can be swapped
// per test; the token endpoint always issues "tok-N" with an incrementing N.
type fakeEMR struct {
	mux        *http.ServeMux
	srv        *httptest.Server
	tokenCount int64
}

func newFakeEMR(t *testing.T) *fakeEMR {
	t.Helper()
	f := &fakeEMR{mux: http.NewServeMux()}
	f.mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&f.tokenCount, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEMR) client(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	creds := StaticCredentials{ClientID: "cid", ClientSecret: "secret"}
	return NewClient(f.srv.URL, creds, zerolog.Nop(), opts...)
}

func TestClient_SearchPatients(t *testing.T) {
	f := newFakeEMR(t)
	f.mux.HandleFunc("/api/v1/patients", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got == "" {
			t.Errorf("expected Authorization header, got none")
		}
		if r.URL.Query().Get("mrn") != "MRN-1" {
			t.Errorf("expected mrn query MRN-1, got %q", r.URL.Query().Get("mrn"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"patients": []Patient{{ExternalID: "EXT-1", MRN: "MRN-1", FirstName: "Aisha", LastName: "Rahman"}},
		})
	})

	c := f.client(t)
	patients, err := c.SearchPatients(context.Background(), PatientSearchCriteria{MRN: "MRN-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("expected 1 patient, got %d", len(patients))
	}
	if patients[0].Source != SourceRemote {
		t.Errorf("expected remote source tag, got %q", patients[0].Source)
	}
}

func TestClient_GetPatient_NotFound(t *testing.T) {
	f := newFakeEMR(t)
	f.mux.HandleFunc("/api/v1/patients/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := f.client(t)
	_, err := c.GetPatientByExternalID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_ReauthenticatesOnceOn401(t *testing.T) {
	f := newFakeEMR(t)
	var calls int64
	f.mux.HandleFunc("/api/v1/patients/EXT-9", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(Patient{ExternalID: "EXT-9", MRN: "MRN-9"})
	})

	c := f.client(t)
	p, err := c.GetPatientByExternalID(context.Background(), "EXT-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ExternalID != "EXT-9" {
		t.Errorf("expected EXT-9, got %q", p.ExternalID)
	}
	if atomic.LoadInt64(&f.tokenCount) != 2 {
		t.Errorf("expected 2 token requests (initial + refresh), got %d", f.tokenCount)
	}
}

func TestClient_SurfacesAuthExpiredAfterRetry(t *testing.T) {
	f := newFakeEMR(t)
	f.mux.HandleFunc("/api/v1/patients/EXT-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := f.client(t)
	_, err := c.GetPatientByExternalID(context.Background(), "EXT-1")
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestClient_TimeoutMapsToRemoteUnavailable(t *testing.T) {
	f := newFakeEMR(t)
	f.mux.HandleFunc("/api/v1/patients/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := f.client(t, WithCallTimeout(50*time.Millisecond))
	_, err := c.GetPatientByExternalID(context.Background(), "slow")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestClient_ValidationErrorNotRetryable(t *testing.T) {
	f := newFakeEMR(t)
	f.mux.HandleFunc("/api/v1/patients", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	c := f.client(t)
	_, err := c.UpsertPatient(context.Background(), Patient{MRN: ""})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if Retryable(err) {
		t.Error("validation errors must not be retryable")
	}
}

func TestClient_RecordsMetricsPerCall(t *testing.T) {
	f := newFakeEMR(t)
	f.mux.HandleFunc("/api/v1/patients", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"patients": []Patient{}})
	})
	f.mux.HandleFunc("/api/v1/patients/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := f.client(t)
	c.SearchPatients(context.Background(), PatientSearchCriteria{})
	c.GetPatientByExternalID(context.Background(), "gone")

	snap := c.Metrics().Snapshot()
	if snap.Calls != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", snap.Calls)
	}
	if snap.Errors != 1 {
		t.Errorf("expected 1 recorded error, got %d", snap.Errors)
	}
	if snap.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %g", snap.ErrorRate)
	}
	if snap.AvgLatency <= 0 {
		t.Error("expected positive average latency")
	}
}

func TestCallMetrics_WindowWraps(t *testing.T) {
	m := NewCallMetrics(4)
	for i := 0; i < 10; i++ {
		m.Record(time.Millisecond, i%2 == 0)
	}
	snap := m.Snapshot()
	if snap.Calls != 4 {
		t.Fatalf("expected window of 4, got %d", snap.Calls)
	}
}

func TestCallMetrics_AuthFailureCounter(t *testing.T) {
	m := NewCallMetrics(0)
	m.RecordAuthFailure()
	m.RecordAuthFailure()
	if got := m.Snapshot().ConsecutiveAuthFailures; got != 2 {
		t.Fatalf("expected 2 consecutive auth failures, got %d", got)
	}
	m.RecordAuthSuccess()
	if got := m.Snapshot().ConsecutiveAuthFailures; got != 0 {
		t.Fatalf("expected counter reset, got %d", got)
	}
}

func TestTokenExpiry_Fallbacks(t *testing.T) {
	// Opaque (non-JWT) tokens fall back to expires_in, then to one hour.
	now := time.Now()
	exp := tokenExpiry("opaque-token", 600, now)
	want := now.Add(600 * time.Second).Add(-30 * time.Second)
	if exp.Sub(want) > time.Second || want.Sub(exp) > time.Second {
		t.Errorf("expected expiry near %v, got %v", want, exp)
	}

	exp = tokenExpiry("opaque-token", 0, now)
	if exp.Before(now.Add(50 * time.Minute)) {
		t.Errorf("expected one hour fallback, got %v", exp)
	}
}
