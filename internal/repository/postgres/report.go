// Package postgres implements the repository contracts against PostgreSQL
// using database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gberron/dmarc-analyzer/internal/aggregate"
	"github.com/gberron/dmarc-analyzer/internal/domain"
	"github.com/gberron/dmarc-analyzer/internal/ingest"
)

// uniqueViolation is the Postgres error code raised when the
// (org_name, report_id) constraint rejects a duplicate report.
const uniqueViolation = "23505"

// ReportRepo implements ingest.Repository and aggregate.Repository.
type ReportRepo struct{ db *sql.DB }

// NewReportRepo creates a Postgres-backed report repository.
func NewReportRepo(db *sql.DB) *ReportRepo { return &ReportRepo{db: db} }

// InsertReport stores a report and all its records in one transaction.
// Either every row becomes visible or none does. A duplicate identity rolls
// back with ingest.ErrDuplicate and leaves no writes behind.
func (r *ReportRepo) InsertReport(ctx context.Context, report *domain.AggregateReport) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert report: %w", err)
	}
	defer tx.Rollback()

	if report.ID == "" {
		report.ID = uuid.New().String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, report_id, org_name, email, extra_contact_info,
			date_range_begin, date_range_end, domain, adkim, aspf, p, sp, pct, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	`, report.ID, report.ReportID, report.OrgName, report.Email, report.ExtraContactInfo,
		report.DateRangeBegin, report.DateRangeEnd,
		report.PolicyPublished.Domain, report.PolicyPublished.ADKIM, report.PolicyPublished.ASPF,
		report.PolicyPublished.Policy, report.PolicyPublished.SubdomainPolicy, report.PolicyPublished.Percent)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return ingest.ErrDuplicate
		}
		return fmt.Errorf("insert report: %w", err)
	}

	for i := range report.Records {
		rec := &report.Records[i]
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		dkimAuth, err := json.Marshal(rec.DKIMAuth)
		if err != nil {
			return fmt.Errorf("marshal dkim auth: %w", err)
		}
		spfAuth, err := json.Marshal(rec.SPFAuth)
		if err != nil {
			return fmt.Errorf("marshal spf auth: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO report_records (id, report_id, source_ip, count, disposition,
				dkim, spf, header_from, envelope_from, dkim_auth, spf_auth)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, rec.ID, report.ID, rec.SourceIP, rec.Count, rec.Disposition,
			rec.DKIM, rec.SPF, rec.HeaderFrom, rec.EnvelopeFrom, dkimAuth, spfAuth)
		if err != nil {
			return fmt.Errorf("insert record for %s: %w", rec.SourceIP, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// ListFilter narrows report listings.
type ListFilter struct {
	Domain string
	From   time.Time
	To     time.Time
	Limit  int
}

// ListReports returns report headers (without records), newest range first.
func (r *ReportRepo) ListReports(ctx context.Context, f ListFilter) ([]domain.AggregateReport, error) {
	query := `
		SELECT id, report_id, org_name, email, extra_contact_info,
			date_range_begin, date_range_end, domain, adkim, aspf, p, sp, pct, created_at
		FROM reports`
	where, args := reportFilter(f.Domain, f.From, f.To, "")
	query += where + ` ORDER BY date_range_begin DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []domain.AggregateReport
	for rows.Next() {
		var rep domain.AggregateReport
		if err := rows.Scan(&rep.ID, &rep.ReportID, &rep.OrgName, &rep.Email, &rep.ExtraContactInfo,
			&rep.DateRangeBegin, &rep.DateRangeEnd,
			&rep.PolicyPublished.Domain, &rep.PolicyPublished.ADKIM, &rep.PolicyPublished.ASPF,
			&rep.PolicyPublished.Policy, &rep.PolicyPublished.SubdomainPolicy, &rep.PolicyPublished.Percent,
			&rep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// GetReport loads one report with its records, or sql.ErrNoRows.
func (r *ReportRepo) GetReport(ctx context.Context, id string) (*domain.AggregateReport, error) {
	var rep domain.AggregateReport
	err := r.db.QueryRowContext(ctx, `
		SELECT id, report_id, org_name, email, extra_contact_info,
			date_range_begin, date_range_end, domain, adkim, aspf, p, sp, pct, created_at
		FROM reports WHERE id = $1
	`, id).Scan(&rep.ID, &rep.ReportID, &rep.OrgName, &rep.Email, &rep.ExtraContactInfo,
		&rep.DateRangeBegin, &rep.DateRangeEnd,
		&rep.PolicyPublished.Domain, &rep.PolicyPublished.ADKIM, &rep.PolicyPublished.ASPF,
		&rep.PolicyPublished.Policy, &rep.PolicyPublished.SubdomainPolicy, &rep.PolicyPublished.Percent,
		&rep.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_ip, count, disposition, dkim, spf,
			header_from, envelope_from, dkim_auth, spf_auth
		FROM report_records WHERE report_id = $1 ORDER BY count DESC, source_ip
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.Record
		var dkimAuth, spfAuth []byte
		if err := rows.Scan(&rec.ID, &rec.SourceIP, &rec.Count, &rec.Disposition, &rec.DKIM, &rec.SPF,
			&rec.HeaderFrom, &rec.EnvelopeFrom, &dkimAuth, &spfAuth); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(dkimAuth, &rec.DKIMAuth); err != nil {
			return nil, fmt.Errorf("unmarshal dkim auth: %w", err)
		}
		if err := json.Unmarshal(spfAuth, &rec.SPFAuth); err != nil {
			return nil, fmt.Errorf("unmarshal spf auth: %w", err)
		}
		rep.Records = append(rep.Records, rec)
	}
	return &rep, rows.Err()
}

// DeleteReport removes a report; records go with it via ON DELETE CASCADE.
func (r *ReportRepo) DeleteReport(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// reportFilter builds the WHERE clause shared by all aggregation queries:
// optional exact domain match plus date-range overlap (a report spanning the
// window boundary is included whole).
func reportFilter(domainFilter string, from, to time.Time, alias string) (string, []interface{}) {
	if alias != "" {
		alias += "."
	}
	clauses := []string{}
	args := []interface{}{}
	if domainFilter != "" {
		args = append(args, domainFilter)
		clauses = append(clauses, fmt.Sprintf("%sdomain = $%d", alias, len(args)))
	}
	if !from.IsZero() {
		args = append(args, from)
		clauses = append(clauses, fmt.Sprintf("%sdate_range_end >= $%d", alias, len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		clauses = append(clauses, fmt.Sprintf("%sdate_range_begin <= $%d", alias, len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// DispositionTotals sums record counts per disposition under f.
func (r *ReportRepo) DispositionTotals(ctx context.Context, f aggregate.Filter) (map[domain.Disposition]int, error) {
	where, args := reportFilter(f.Domain, f.From, f.To, "r")
	rows, err := r.db.QueryContext(ctx, `
		SELECT rr.disposition, SUM(rr.count)
		FROM report_records rr JOIN reports r ON r.id = rr.report_id`+where+`
		GROUP BY rr.disposition
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("disposition totals: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Disposition]int)
	for rows.Next() {
		var d domain.Disposition
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("scan disposition total: %w", err)
		}
		out[d] = n
	}
	return out, rows.Err()
}

// SourceTotals sums record counts per source IP, heaviest first, ties broken
// lexically for determinism.
func (r *ReportRepo) SourceTotals(ctx context.Context, f aggregate.Filter) ([]aggregate.SourceCount, error) {
	where, args := reportFilter(f.Domain, f.From, f.To, "r")
	rows, err := r.db.QueryContext(ctx, `
		SELECT rr.source_ip, SUM(rr.count) AS total
		FROM report_records rr JOIN reports r ON r.id = rr.report_id`+where+`
		GROUP BY rr.source_ip
		ORDER BY total DESC, rr.source_ip ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("source totals: %w", err)
	}
	defer rows.Close()

	var out []aggregate.SourceCount
	for rows.Next() {
		var sc aggregate.SourceCount
		if err := rows.Scan(&sc.SourceIP, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan source total: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AuthPairTotals sums record counts per (dkim, spf) evaluated pair.
func (r *ReportRepo) AuthPairTotals(ctx context.Context, f aggregate.Filter) ([]aggregate.AuthPairCount, error) {
	where, args := reportFilter(f.Domain, f.From, f.To, "r")
	rows, err := r.db.QueryContext(ctx, `
		SELECT rr.dkim, rr.spf, SUM(rr.count) AS total
		FROM report_records rr JOIN reports r ON r.id = rr.report_id`+where+`
		GROUP BY rr.dkim, rr.spf
		ORDER BY total DESC, rr.dkim, rr.spf
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("auth pair totals: %w", err)
	}
	defer rows.Close()

	var out []aggregate.AuthPairCount
	for rows.Next() {
		var ap aggregate.AuthPairCount
		if err := rows.Scan(&ap.DKIM, &ap.SPF, &ap.Count); err != nil {
			return nil, fmt.Errorf("scan auth pair total: %w", err)
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}

// StreamRows walks the flat export rows for f, one per record, without
// materializing the full result set.
func (r *ReportRepo) StreamRows(ctx context.Context, f aggregate.Filter, fn func(aggregate.Row) error) error {
	where, args := reportFilter(f.Domain, f.From, f.To, "r")
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.report_id, r.org_name, rr.source_ip, rr.count, rr.disposition,
			rr.dkim, rr.spf, rr.header_from, r.date_range_begin, r.date_range_end
		FROM report_records rr JOIN reports r ON r.id = rr.report_id`+where+`
		ORDER BY r.date_range_begin DESC, r.report_id, rr.count DESC, rr.source_ip
	`, args...)
	if err != nil {
		return fmt.Errorf("export rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row aggregate.Row
		if err := rows.Scan(&row.ReportID, &row.OrgName, &row.SourceIP, &row.Count, &row.Disposition,
			&row.DKIM, &row.SPF, &row.HeaderFrom, &row.DateBegin, &row.DateEnd); err != nil {
			return fmt.Errorf("scan export row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
