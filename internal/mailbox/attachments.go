package mailbox

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/emersion/go-message/mail"
)

// extractAttachments walks the MIME structure of a raw message and collects
// every part carrying a filename, attachment or inline: several reporting
// organizations attach their payload as an inline part.
func extractAttachments(r io.Reader) ([]Attachment, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	var out []Attachment
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part should not hide the others.
			log.Printf("[mailbox] skipping unreadable message part: %v", err)
			continue
		}

		var filename string
		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
		case *mail.InlineHeader:
			// mail.InlineHeader has no Filename method; reuse the library's
			// AttachmentHeader.Filename on the same underlying header.
			filename, _ = (&mail.AttachmentHeader{Header: h.Header}).Filename()
		}
		if filename == "" {
			continue
		}

		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s: %w", filename, err)
		}
		out = append(out, Attachment{Filename: filename, Data: data})
	}
	return out, nil
}

// reportExtensions are the attachment types worth feeding to ingestion.
var reportExtensions = []string{".xml", ".gz", ".zip"}

// isReportAttachment filters candidate filenames by extension.
func isReportAttachment(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range reportExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
