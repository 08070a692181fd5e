package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gberron/dmarc-analyzer/internal/archive"
	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// memRepo deduplicates on (org_name, report_id) like the real store.
type memRepo struct {
	seen    map[string]bool
	failing error
}

func newMemRepo() *memRepo { return &memRepo{seen: make(map[string]bool)} }

func (m *memRepo) InsertReport(_ context.Context, report *domain.AggregateReport) error {
	if m.failing != nil {
		return m.failing
	}
	key := report.OrgName + "/" + report.ReportID
	if m.seen[key] {
		return ErrDuplicate
	}
	m.seen[key] = true
	return nil
}

func sampleReport(reportID string) *domain.AggregateReport {
	return &domain.AggregateReport{
		ReportID:       reportID,
		OrgName:        "google.com",
		DateRangeBegin: time.Unix(1700000000, 0).UTC(),
		DateRangeEnd:   time.Unix(1700086400, 0).UTC(),
		Records: []domain.Record{
			{SourceIP: "192.0.2.1", Count: 5, Disposition: domain.DispositionNone},
		},
	}
}

func TestIngest_StoredThenDuplicate(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	outcome, err := svc.Ingest(ctx, sampleReport("r1"))
	if err != nil || outcome != Stored {
		t.Fatalf("first Ingest() = %v, %v; want Stored, nil", outcome, err)
	}

	outcome, err = svc.Ingest(ctx, sampleReport("r1"))
	if err != nil || outcome != Duplicate {
		t.Fatalf("second Ingest() = %v, %v; want Duplicate, nil", outcome, err)
	}

	// Same report id from a different org is a distinct report.
	other := sampleReport("r1")
	other.OrgName = "yahoo.com"
	outcome, err = svc.Ingest(ctx, other)
	if err != nil || outcome != Stored {
		t.Fatalf("other-org Ingest() = %v, %v; want Stored, nil", outcome, err)
	}
}

func TestIngest_PersistenceError(t *testing.T) {
	repo := newMemRepo()
	repo.failing = errors.New("connection refused")
	svc := NewService(repo)

	_, err := svc.Ingest(context.Background(), sampleReport("r1"))
	if err == nil || !errors.Is(err, repo.failing) {
		t.Fatalf("Ingest() error = %v, want wrapped store error", err)
	}
}

func uploadXML(reportID string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <report_id>%s</report_id>
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
</feedback>`, reportID))
}

func TestIngestUpload_RawXML(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	res, err := svc.IngestUpload(ctx, uploadXML("u1"), "report.xml")
	if err != nil {
		t.Fatalf("IngestUpload() error = %v", err)
	}
	if res.Ingested != 1 || res.Duplicates != 0 || res.Rejected != 0 {
		t.Errorf("result = %+v, want 1 ingested", res)
	}

	// Re-uploading the same bytes counts as a duplicate, not an error.
	res, err = svc.IngestUpload(ctx, uploadXML("u1"), "report.xml")
	if err != nil {
		t.Fatalf("repeat IngestUpload() error = %v", err)
	}
	if res.Ingested != 0 || res.Duplicates != 1 {
		t.Errorf("repeat result = %+v, want 1 duplicate", res)
	}
}

func TestIngestUpload_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(uploadXML("u2")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	svc := NewService(newMemRepo())
	res, err := svc.IngestUpload(context.Background(), buf.Bytes(), "report.xml.gz")
	if err != nil {
		t.Fatalf("IngestUpload() error = %v", err)
	}
	if res.Ingested != 1 {
		t.Errorf("result = %+v, want 1 ingested", res)
	}
}

func TestIngestUpload_MalformedRejectedLocally(t *testing.T) {
	svc := NewService(newMemRepo())

	res, err := svc.IngestUpload(context.Background(), []byte(`<feedback></feedback>`), "empty.xml")
	if err != nil {
		t.Fatalf("IngestUpload() error = %v, malformed documents must not fail the upload", err)
	}
	if res.Rejected != 1 || res.Ingested != 0 {
		t.Errorf("result = %+v, want 1 rejected", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Name != "empty.xml" {
		t.Errorf("Errors = %+v, want per-document reason", res.Errors)
	}
}

func TestIngestUpload_UnsupportedContainer(t *testing.T) {
	svc := NewService(newMemRepo())

	_, err := svc.IngestUpload(context.Background(), []byte("plain text"), "blob.bin")
	if !errors.Is(err, archive.ErrUnsupportedFormat) {
		t.Fatalf("IngestUpload() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestIngestUpload_PersistenceFailureAborts(t *testing.T) {
	repo := newMemRepo()
	repo.failing = errors.New("deadline exceeded")
	svc := NewService(repo)

	_, err := svc.IngestUpload(context.Background(), uploadXML("u3"), "report.xml")
	if err == nil || !errors.Is(err, repo.failing) {
		t.Fatalf("IngestUpload() error = %v, want store error propagated", err)
	}
}
