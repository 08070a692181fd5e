package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// pop3Client backs the Client interface with POP3. The protocol has no
// \Seen flag, so ListUnseen returns every message on the server and
// MarkProcessed queues a DELE, committed when the connection quits. A crash
// before Close leaves the messages in place; deduplication makes the
// resulting redelivery harmless.
type pop3Client struct {
	conn *pop3.Conn
}

func dialPOP3(s *domain.MailSettings) (Client, error) {
	port := s.MailPort
	if port == 0 {
		if s.UseSSL {
			port = 995
		} else {
			port = 110
		}
	}

	p := pop3.New(pop3.Opt{
		Host:        s.MailServer,
		Port:        port,
		TLSEnabled:  s.UseSSL,
		DialTimeout: 30 * time.Second,
	})
	conn, err := p.NewConn()
	if err != nil {
		return nil, fmt.Errorf("dialing POP3 %s:%d: %w", s.MailServer, port, err)
	}
	if err := conn.Auth(s.Username, s.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("POP3 auth: %w", err)
	}
	return &pop3Client{conn: conn}, nil
}

func (pc *pop3Client) ListUnseen(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := pc.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("listing POP3 messages: %w", err)
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, strconv.Itoa(m.ID))
	}
	return ids, nil
}

func (pc *pop3Client) Fetch(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	num, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", id, err)
	}

	raw, err := pc.conn.RetrRaw(num)
	if err != nil {
		return nil, fmt.Errorf("retrieving message %s: %w", id, err)
	}

	atts, err := extractAttachments(raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return &Message{ID: id, Attachments: atts}, nil
}

func (pc *pop3Client) MarkProcessed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	num, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", id, err)
	}
	if err := pc.conn.Dele(num); err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

func (pc *pop3Client) Close() error {
	return pc.conn.Quit()
}
