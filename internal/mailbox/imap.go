package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

const imapTimeout = 30 * time.Second

// imapClient backs the Client interface with IMAP4rev1. Message IDs are
// mailbox UIDs, stable across the polling pass.
type imapClient struct {
	c *client.Client
}

func dialIMAP(s *domain.MailSettings) (Client, error) {
	port := s.MailPort
	if port == 0 {
		if s.UseSSL {
			port = 993
		} else {
			port = 143
		}
	}
	addr := fmt.Sprintf("%s:%d", s.MailServer, port)

	var c *client.Client
	var err error
	if s.UseSSL {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing IMAP %s: %w", addr, err)
	}
	c.Timeout = imapTimeout

	if err := c.Login(s.Username, s.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("IMAP login: %w", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}
	return &imapClient{c: c}, nil
}

func (ic *imapClient) ListUnseen(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := ic.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

func (ic *imapClient) Fetch(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// Peek keeps the fetch from setting \Seen; the flag is only applied
	// after every attachment has been ingested.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.c.UidFetch(seqset, items, ch)
	}()

	var fetched *imap.Message
	for m := range ch {
		fetched = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}

	msg := &Message{ID: id}
	if fetched.Envelope != nil {
		msg.Subject = fetched.Envelope.Subject
	}

	body := fetched.GetBody(section)
	if body == nil {
		return msg, nil
	}
	atts, err := extractAttachments(body)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	msg.Attachments = atts
	return msg, nil
}

func (ic *imapClient) MarkProcessed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := ic.c.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("marking message %s seen: %w", id, err)
	}
	return nil
}

func (ic *imapClient) Close() error {
	return ic.c.Logout()
}

func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	return uint32(uid), nil
}
