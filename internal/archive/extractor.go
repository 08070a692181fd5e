// Package archive unpacks the container formats DMARC reports arrive in:
// raw XML, gzip-compressed XML, and zip archives bundling several XML files.
// Detection sniffs magic bytes rather than trusting the filename, since
// mailbox attachments and multipart uploads often carry unreliable names.
package archive

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedFormat is returned when the input is neither gzip, zip,
// nor plausible raw XML.
var ErrUnsupportedFormat = errors.New("unsupported report container format")

// Payload is one extracted XML document.
type Payload struct {
	// Name is the zip entry name, or the original filename hint for
	// gzip/raw inputs.
	Name string
	Data []byte
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
)

// Extract detects the container format of data and invokes fn once per
// embedded XML payload. Zip entries are decompressed one at a time, so peak
// memory is bounded by the largest single entry, not the whole archive.
// An error from fn aborts the walk and is returned as-is.
func Extract(data []byte, filename string, fn func(Payload) error) error {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return extractGzip(data, filename, fn)
	case bytes.HasPrefix(data, zipMagic):
		return extractZip(data, fn)
	default:
		if !looksLikeXML(data) {
			return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
		}
		return fn(Payload{Name: filename, Data: data})
	}
}

func extractGzip(data []byte, filename string, fn func(Payload) error) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gr.Close()

	decompressed, err := io.ReadAll(gr)
	if err != nil {
		return fmt.Errorf("decompressing gzip: %w", err)
	}
	return fn(Payload{Name: strings.TrimSuffix(filename, ".gz"), Data: decompressed})
}

func extractZip(data []byte, fn func(Payload) error) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		entry, err := readZipEntry(f)
		if err != nil {
			return err
		}
		if err := fn(Payload{Name: f.Name, Data: entry}); err != nil {
			return err
		}
	}
	return nil
}

func readZipEntry(f *zip.File) (data []byte, err error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening zip entry %s: %w", f.Name, err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading zip entry %s: %w", f.Name, err)
	}
	return data, nil
}

// looksLikeXML accepts anything whose first non-space byte opens a tag,
// optionally preceded by a UTF-8 BOM. Anything else is treated as binary
// garbage rather than silently handed to the XML parser.
func looksLikeXML(data []byte) bool {
	trimmed := bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf})
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '<'
}
