package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gberron/dmarc-analyzer/internal/domain"
	"github.com/gberron/dmarc-analyzer/internal/ingest"
)

type acceptAllRepo struct{ inserted int }

func (a *acceptAllRepo) InsertReport(context.Context, *domain.AggregateReport) error {
	a.inserted++
	return nil
}

const validUploadXML = `<?xml version="1.0"?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <report_id>upload-1</report_id>
    <date_range><begin>1700000000</begin><end>1700086400</end></date_range>
  </report_metadata>
  <policy_published><domain>example.com</domain></policy_published>
  <record>
    <row>
      <source_ip>192.0.2.1</source_ip>
      <count>5</count>
      <policy_evaluated><disposition>none</disposition></policy_evaluated>
    </row>
  </record>
</feedback>`

func uploadHandlers(repo ingest.Repository) *Handlers {
	return NewHandlers(ingest.NewService(repo), nil, nil, nil, nil, nil, nil)
}

func TestHealthCheck(t *testing.T) {
	h := uploadHandlers(&acceptAllRepo{})
	rec := httptest.NewRecorder()

	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestUploadReport_RawBody(t *testing.T) {
	repo := &acceptAllRepo{}
	h := uploadHandlers(repo)

	req := httptest.NewRequest(http.MethodPost, "/api/reports/upload?filename=report.xml",
		strings.NewReader(validUploadXML))
	rec := httptest.NewRecorder()
	h.UploadReport(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result ingest.UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Ingested != 1 || repo.inserted != 1 {
		t.Errorf("result = %+v, inserted = %d", result, repo.inserted)
	}
}

func TestUploadReport_MultipartForm(t *testing.T) {
	repo := &acceptAllRepo{}
	h := uploadHandlers(repo)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("report", "report.xml")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write([]byte(validUploadXML)); err != nil {
		t.Fatalf("write form: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/reports/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.UploadReport(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if repo.inserted != 1 {
		t.Errorf("inserted = %d, want 1", repo.inserted)
	}
}

func TestUploadReport_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"unsupported container", "just some text", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := uploadHandlers(&acceptAllRepo{})
			req := httptest.NewRequest(http.MethodPost, "/api/reports/upload", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.UploadReport(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestUploadReport_MalformedDocumentReported(t *testing.T) {
	repo := &acceptAllRepo{}
	h := uploadHandlers(repo)

	req := httptest.NewRequest(http.MethodPost, "/api/reports/upload?filename=empty.xml",
		strings.NewReader("<feedback></feedback>"))
	rec := httptest.NewRecorder()
	h.UploadReport(rec, req)

	// Malformed documents are rejected per-document, not as a request error.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result ingest.UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Rejected != 1 || repo.inserted != 0 {
		t.Errorf("result = %+v, inserted = %d", result, repo.inserted)
	}
}

func TestCreateSchedule_Validation(t *testing.T) {
	h := uploadHandlers(&acceptAllRepo{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing name", `{"recipient":"ops@example.com"}`},
		{"missing recipient", `{"name":"weekly"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/schedules", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.CreateSchedule(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, domain string, from, to time.Time)
	}{
		{
			name:  "empty",
			query: "",
			check: func(t *testing.T, domain string, from, to time.Time) {
				if domain != "" || !from.IsZero() || !to.IsZero() {
					t.Errorf("filter = %q %v %v, want zero", domain, from, to)
				}
			},
		},
		{
			name:  "bare dates",
			query: "domain=example.com&from=2026-08-01&to=2026-08-07",
			check: func(t *testing.T, domain string, from, to time.Time) {
				if domain != "example.com" {
					t.Errorf("domain = %q", domain)
				}
				if !from.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
					t.Errorf("from = %v", from)
				}
				// A bare "to" date covers the whole day.
				if !to.Equal(time.Date(2026, 8, 7, 23, 59, 59, 0, time.UTC)) {
					t.Errorf("to = %v", to)
				}
			},
		},
		{
			name:  "rfc3339",
			query: "to=2026-08-07T12:30:00Z",
			check: func(t *testing.T, _ string, _, to time.Time) {
				if !to.Equal(time.Date(2026, 8, 7, 12, 30, 0, 0, time.UTC)) {
					t.Errorf("to = %v, timestamps must pass through unchanged", to)
				}
			},
		},
		{name: "bad from", query: "from=yesterday", wantErr: true},
		{name: "bad to", query: "to=07/08/2026", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/aggregate?"+tt.query, nil)
			f, err := parseFilter(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, f.Domain, f.From, f.To)
			}
		})
	}
}
