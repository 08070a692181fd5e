// Package mailbox pulls DMARC report attachments out of an IMAP or POP3
// mailbox and feeds them into ingestion.
package mailbox

import (
	"context"
	"fmt"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// Attachment is one file pulled from a mailbox message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is a fetched mailbox message with its attachments.
type Message struct {
	ID          string
	Subject     string
	Attachments []Attachment
}

// Client is the capability set the poller needs. IMAP and POP3 both
// implement it: IMAP marks processed messages \Seen, POP3 deletes them
// (committed on Close), its closest equivalent.
type Client interface {
	ListUnseen(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, id string) (*Message, error)
	MarkProcessed(ctx context.Context, id string) error
	Close() error
}

// Connect dials the mailbox described by settings and returns a ready
// client for one polling pass.
func Connect(settings *domain.MailSettings) (Client, error) {
	if settings.MailServer == "" {
		return nil, fmt.Errorf("mailbox server not configured")
	}
	switch settings.ConnectionType {
	case domain.ProtocolPOP3:
		return dialPOP3(settings)
	case domain.ProtocolIMAP, "":
		return dialIMAP(settings)
	default:
		return nil, fmt.Errorf("unknown mailbox protocol %q", settings.ConnectionType)
	}
}
