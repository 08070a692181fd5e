// Package aggregate computes grouped metrics and CSV exports over the
// persisted report set. All grouping is count-weighted: a record with
// count=50 contributes 50 messages, not one.
package aggregate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// Filter narrows aggregation to one published domain (exact match, empty
// means all) and a date window. A report is included when its own date range
// overlaps [From, To]: records are not individually timestamped inside a
// report, so a report spanning the boundary contributes fully.
type Filter struct {
	Domain string
	From   time.Time
	To     time.Time
}

// SourceCount is the message total for one sending IP.
type SourceCount struct {
	SourceIP string `json:"source_ip"`
	Count    int    `json:"count"`
}

// AuthPairCount is the message total for one (dkim, spf) evaluated pair.
type AuthPairCount struct {
	DKIM  domain.AuthResult `json:"dkim"`
	SPF   domain.AuthResult `json:"spf"`
	Count int               `json:"count"`
}

// Summary is the aggregation result for one filter.
type Summary struct {
	TotalMessages int                        `json:"total_messages"`
	ByDisposition map[domain.Disposition]int `json:"by_disposition"`
	BySource      []SourceCount              `json:"by_source"`
	ByAuthPair    []AuthPairCount            `json:"by_auth_pair"`
}

// Row is one flat CSV-ready export row, one per stored record.
type Row struct {
	ReportID    string
	OrgName     string
	SourceIP    string
	Count       int
	Disposition domain.Disposition
	DKIM        domain.AuthResult
	SPF         domain.AuthResult
	HeaderFrom  string
	DateBegin   time.Time
	DateEnd     time.Time
}

// Repository is the query contract the engine needs. StreamRows must
// re-query on every call so exports always reflect the latest persisted
// state; BySource must order by descending total then ascending IP so
// results are deterministic.
type Repository interface {
	DispositionTotals(ctx context.Context, f Filter) (map[domain.Disposition]int, error)
	SourceTotals(ctx context.Context, f Filter) ([]SourceCount, error)
	AuthPairTotals(ctx context.Context, f Filter) ([]AuthPairCount, error)
	StreamRows(ctx context.Context, f Filter, fn func(Row) error) error
}

// Engine computes summaries and exports over a repository.
type Engine struct {
	repo Repository
}

// NewEngine creates an aggregation engine backed by repo.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo}
}

// Aggregate computes the grouped totals for f. Source records are never
// mutated; everything here is a read.
func (e *Engine) Aggregate(ctx context.Context, f Filter) (*Summary, error) {
	byDisposition, err := e.repo.DispositionTotals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("disposition totals: %w", err)
	}
	bySource, err := e.repo.SourceTotals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("source totals: %w", err)
	}
	byAuthPair, err := e.repo.AuthPairTotals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("auth pair totals: %w", err)
	}

	total := 0
	for _, n := range byDisposition {
		total += n
	}

	return &Summary{
		TotalMessages: total,
		ByDisposition: byDisposition,
		BySource:      bySource,
		ByAuthPair:    byAuthPair,
	}, nil
}

// csvHeader is the fixed export column order.
var csvHeader = []string{
	"report_id", "org_name", "source_ip", "count", "disposition",
	"dkim_result", "spf_result", "header_from", "date_begin", "date_end",
}

// WriteCSV streams the export rows for f to w, one line per record. Each
// call re-queries the store rather than caching.
func (e *Engine) WriteCSV(ctx context.Context, f Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	err := e.repo.StreamRows(ctx, f, func(r Row) error {
		return cw.Write([]string{
			r.ReportID,
			r.OrgName,
			r.SourceIP,
			strconv.Itoa(r.Count),
			string(r.Disposition),
			string(r.DKIM),
			string(r.SPF),
			r.HeaderFrom,
			r.DateBegin.UTC().Format(time.RFC3339),
			r.DateEnd.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return fmt.Errorf("streaming export rows: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
