// Package ingest persists parsed reports with deduplication and orchestrates
// the upload path (container extraction, parsing, storage).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gberron/dmarc-analyzer/internal/archive"
	"github.com/gberron/dmarc-analyzer/internal/domain"
	"github.com/gberron/dmarc-analyzer/internal/parser"
)

// ErrDuplicate is returned by Repository.InsertReport when a report with the
// same (org_name, report_id) identity already exists. The store's uniqueness
// constraint is the single source of truth for "already seen": no in-memory
// cache, so restarts and concurrent ingestions cannot double-store.
var ErrDuplicate = errors.New("report already ingested")

// Repository is the persistence contract the ingestor needs: one atomic
// insert of a report and all its records, or nothing.
type Repository interface {
	InsertReport(ctx context.Context, report *domain.AggregateReport) error
}

// Outcome is the result of ingesting a single parsed report.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
)

// DocumentError describes why one document inside an upload was rejected.
type DocumentError struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// UploadResult summarizes one upload: how many documents were stored,
// deduplicated, or rejected, and how many records were skipped inside
// accepted documents.
type UploadResult struct {
	Ingested       int             `json:"ingested"`
	Duplicates     int             `json:"duplicates"`
	Rejected       int             `json:"rejected"`
	SkippedRecords int             `json:"skipped_records"`
	Errors         []DocumentError `json:"errors,omitempty"`
}

// Service ingests reports through a deduplicating repository.
type Service struct {
	repo Repository
}

// NewService creates an ingestion service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Ingest stores one parsed report. Re-ingesting the same identity is a
// no-op reported as Duplicate, which is what makes mailbox polling and
// manual upload safe to overlap under at-least-once delivery.
func (s *Service) Ingest(ctx context.Context, report *domain.AggregateReport) (Outcome, error) {
	err := s.repo.InsertReport(ctx, report)
	if errors.Is(err, ErrDuplicate) {
		return Duplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("persisting report %s/%s: %w", report.OrgName, report.ReportID, err)
	}
	return Stored, nil
}

// IngestUpload runs raw upload bytes through extraction, parsing, and
// storage. Malformed documents are rejected individually; a persistence
// failure aborts the upload so the caller can retry it whole. An
// unrecognized container fails the upload with archive.ErrUnsupportedFormat.
func (s *Service) IngestUpload(ctx context.Context, data []byte, filename string) (*UploadResult, error) {
	result := &UploadResult{}

	err := archive.Extract(data, filename, func(p archive.Payload) error {
		parsed, err := parser.Parse(p.Data)
		if err != nil {
			var malformed *parser.MalformedReportError
			if errors.As(err, &malformed) {
				log.Printf("[ingest] rejecting %s: %v", p.Name, err)
				result.Rejected++
				result.Errors = append(result.Errors, DocumentError{Name: p.Name, Reason: malformed.Reason})
				return nil
			}
			return err
		}
		result.SkippedRecords += parsed.SkippedRecords

		outcome, err := s.Ingest(ctx, parsed.Report)
		if err != nil {
			return err
		}
		switch outcome {
		case Duplicate:
			result.Duplicates++
		default:
			result.Ingested++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ingest] upload %s: %d ingested, %d duplicates, %d rejected, %d records skipped",
		filename, result.Ingested, result.Duplicates, result.Rejected, result.SkippedRecords)
	return result, nil
}
