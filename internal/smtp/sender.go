// Package smtp delivers summary emails through a plain SMTP relay, with
// implicit TLS or STARTTLS depending on the configured port.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

const dialTimeout = 30 * time.Second

// Sender sends text emails using the relay described by MailSettings.
type Sender struct {
	settings *domain.MailSettings
}

// NewSender creates an SMTP sender. The SMTP host falls back to the mailbox
// host when unset, matching how small installs share one mail server.
func NewSender(settings *domain.MailSettings) *Sender {
	return &Sender{settings: settings}
}

// Send delivers one plain-text message to a single recipient.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	host := s.settings.SMTPServer
	if host == "" {
		host = s.settings.MailServer
	}
	if host == "" {
		return fmt.Errorf("SMTP relay not configured")
	}

	port := s.settings.SMTPPort
	if port == 0 {
		if s.settings.UseSSL {
			port = 465
		} else {
			port = 587
		}
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	client, err := s.dial(ctx, addr, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.settings.Username != "" && s.settings.Password != "" {
		auth := smtp.PlainAuth("", s.settings.Username, s.settings.Password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	from := s.sender()
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(buildMessage(from, to, subject, body))); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}
	return client.Quit()
}

// dial opens the SMTP session: implicit TLS when UseSSL is set, otherwise a
// plain connection upgraded with STARTTLS when UseTLS asks for it.
func (s *Sender) dial(ctx context.Context, addr, host string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing SMTP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if s.settings.UseSSL {
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP handshake: %w", err)
	}

	if !s.settings.UseSSL && s.settings.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	}
	return client, nil
}

func (s *Sender) sender() string {
	if s.settings.Sender != "" {
		return s.settings.Sender
	}
	if s.settings.Username != "" {
		return s.settings.Username
	}
	return "dmarc@localhost"
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", to))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString(fmt.Sprintf("Message-ID: <%s@dmarc-analyzer>\r\n", uuid.New().String()))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
