package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so every boot can
// run them; the UNIQUE (org_name, report_id) index is the dedup serialization
// point for the whole ingestion path.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS reports (
		id UUID PRIMARY KEY,
		report_id TEXT NOT NULL,
		org_name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		extra_contact_info TEXT NOT NULL DEFAULT '',
		date_range_begin TIMESTAMPTZ NOT NULL,
		date_range_end TIMESTAMPTZ NOT NULL,
		domain TEXT NOT NULL,
		adkim TEXT NOT NULL DEFAULT 'r',
		aspf TEXT NOT NULL DEFAULT 'r',
		p TEXT NOT NULL DEFAULT 'none',
		sp TEXT NOT NULL DEFAULT 'none',
		pct INTEGER NOT NULL DEFAULT 100,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT reports_org_report_unique UNIQUE (org_name, report_id)
	)`,
	`CREATE TABLE IF NOT EXISTS report_records (
		id UUID PRIMARY KEY,
		report_id UUID NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
		source_ip TEXT NOT NULL,
		count INTEGER NOT NULL CHECK (count > 0),
		disposition TEXT NOT NULL DEFAULT 'none',
		dkim TEXT NOT NULL DEFAULT 'fail',
		spf TEXT NOT NULL DEFAULT 'fail',
		header_from TEXT NOT NULL DEFAULT '',
		envelope_from TEXT NOT NULL DEFAULT '',
		dkim_auth JSONB NOT NULL DEFAULT '[]',
		spf_auth JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_domain ON reports(domain)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_date_range ON reports(date_range_begin, date_range_end)`,
	`CREATE INDEX IF NOT EXISTS idx_report_records_report_id ON report_records(report_id)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		recipient TEXT NOT NULL,
		day_range INTEGER NOT NULL DEFAULT 7 CHECK (day_range >= 1),
		domain_filter TEXT NOT NULL DEFAULT '',
		last_run_at TIMESTAMPTZ,
		last_run_status TEXT NOT NULL DEFAULT 'none',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mail_settings (
		id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		mail_server TEXT NOT NULL DEFAULT '',
		mail_port INTEGER NOT NULL DEFAULT 0,
		connection_type TEXT NOT NULL DEFAULT 'imap',
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		use_ssl BOOLEAN NOT NULL DEFAULT TRUE,
		smtp_server TEXT NOT NULL DEFAULT '',
		smtp_port INTEGER NOT NULL DEFAULT 0,
		use_tls BOOLEAN NOT NULL DEFAULT TRUE,
		sender TEXT NOT NULL DEFAULT ''
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
