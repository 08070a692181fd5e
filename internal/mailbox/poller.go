package mailbox

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/gberron/dmarc-analyzer/internal/archive"
	"github.com/gberron/dmarc-analyzer/internal/ingest"
)

// Ingestor is the ingestion entry point the poller feeds attachments into.
type Ingestor interface {
	IngestUpload(ctx context.Context, data []byte, filename string) (*ingest.UploadResult, error)
}

// MessageError records why one message could not be fully processed.
type MessageError struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// PollResult summarizes one polling pass.
type PollResult struct {
	Messages   int            `json:"messages"`
	Ingested   int            `json:"ingested"`
	Duplicates int            `json:"duplicates"`
	Skipped    int            `json:"skipped"`
	Errors     []MessageError `json:"errors,omitempty"`
}

// Poller drains unseen mailbox messages through ingestion. One poll runs at
// a time per poller: the mutex serializes access to the underlying
// connection so concurrent triggers cannot race on fetch/mark.
type Poller struct {
	client   Client
	ingestor Ingestor
	mu       sync.Mutex
}

// NewPoller creates a poller over an open mailbox client.
func NewPoller(client Client, ingestor Ingestor) *Poller {
	return &Poller{client: client, ingestor: ingestor}
}

// PollOnce processes every unseen message. A message is marked processed
// only once all of its report attachments have been ingested or identified
// as duplicates; a persistence failure leaves it unseen so the next poll
// retries it. Malformed documents are permanent rejects and never block
// marking. One message's failure never aborts the rest of the pass.
func (p *Poller) PollOnce(ctx context.Context) (*PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.client.ListUnseen(ctx)
	if err != nil {
		return nil, err
	}

	result := &PollResult{Messages: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := p.processMessage(ctx, id, result); err != nil {
			log.Printf("[mailbox] message %s: %v", id, err)
			result.Errors = append(result.Errors, MessageError{MessageID: id, Reason: err.Error()})
		}
	}

	log.Printf("[mailbox] poll: %d messages, %d ingested, %d duplicates, %d skipped, %d errors",
		result.Messages, result.Ingested, result.Duplicates, result.Skipped, len(result.Errors))
	return result, nil
}

func (p *Poller) processMessage(ctx context.Context, id string, result *PollResult) error {
	msg, err := p.client.Fetch(ctx, id)
	if err != nil {
		return err
	}

	for _, att := range msg.Attachments {
		if !isReportAttachment(att.Filename) {
			continue
		}
		upload, err := p.ingestor.IngestUpload(ctx, att.Data, att.Filename)
		if err != nil {
			if errors.Is(err, archive.ErrUnsupportedFormat) {
				// Permanent: retrying will never change the bytes.
				result.Skipped++
				continue
			}
			// Persistence failure: leave the message unseen for retry.
			return err
		}
		result.Ingested += upload.Ingested
		result.Duplicates += upload.Duplicates
		result.Skipped += upload.Rejected
	}

	return p.client.MarkProcessed(ctx, id)
}
