package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// MailSettingsRepo stores the singleton mailbox/SMTP configuration row.
type MailSettingsRepo struct{ db *sql.DB }

// NewMailSettingsRepo creates a Postgres-backed mail settings repository.
func NewMailSettingsRepo(db *sql.DB) *MailSettingsRepo { return &MailSettingsRepo{db: db} }

// Get loads the settings row. When none has been saved yet it returns zero
// values with IMAP defaults, matching a fresh install.
func (r *MailSettingsRepo) Get(ctx context.Context) (*domain.MailSettings, error) {
	var s domain.MailSettings
	err := r.db.QueryRowContext(ctx, `
		SELECT mail_server, mail_port, connection_type, username, password, use_ssl,
			smtp_server, smtp_port, use_tls, sender
		FROM mail_settings WHERE id = 1
	`).Scan(&s.MailServer, &s.MailPort, &s.ConnectionType, &s.Username, &s.Password, &s.UseSSL,
		&s.SMTPServer, &s.SMTPPort, &s.UseTLS, &s.Sender)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.MailSettings{ConnectionType: domain.ProtocolIMAP, UseSSL: true, UseTLS: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mail settings: %w", err)
	}
	return &s, nil
}

// Save upserts the singleton settings row.
func (r *MailSettingsRepo) Save(ctx context.Context, s *domain.MailSettings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mail_settings (id, mail_server, mail_port, connection_type, username, password,
			use_ssl, smtp_server, smtp_port, use_tls, sender)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			mail_server = $1, mail_port = $2, connection_type = $3, username = $4, password = $5,
			use_ssl = $6, smtp_server = $7, smtp_port = $8, use_tls = $9, sender = $10
	`, s.MailServer, s.MailPort, s.ConnectionType, s.Username, s.Password,
		s.UseSSL, s.SMTPServer, s.SMTPPort, s.UseTLS, s.Sender)
	if err != nil {
		return fmt.Errorf("save mail settings: %w", err)
	}
	return nil
}
