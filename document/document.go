// Package document extracts plain text from email attachments.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/ledongthuc/pdf"

	"github.com/dhcgn/winesync/model"
)

// Kind is the extraction strategy chosen for an attachment.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindText        Kind = "text"
	KindHTML        Kind = "html"
	KindUnsupported Kind = "unsupported"
)

var ErrUnsupported = errors.New("attachment format is not text-extractable")

// Extractor pulls text out of attachments.
type Extractor struct {
	logger   *slog.Logger
	maxBytes int64
}

// New creates an Extractor. Attachments larger than maxBytes are skipped; a
// non-positive value disables the limit.
func New(maxBytes int64, logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger, maxBytes: maxBytes}
}

// Detect chooses the strategy from the content type first, then the filename.
func Detect(filename, contentType string) Kind {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mediaType == "application/pdf":
			return KindPDF
		case mediaType == "text/html":
			return KindHTML
		case mediaType == "text/plain" || mediaType == "text/csv":
			return KindText
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return KindPDF
	case ".html", ".htm":
		return KindHTML
	case ".txt", ".csv":
		return KindText
	}
	return KindUnsupported
}

// Extract returns the attachment text or an error describing why none is available.
func (e *Extractor) Extract(att model.Attachment) (string, error) {
	kind := Detect(att.Filename, att.ContentType)
	if kind == KindUnsupported {
		return "", ErrUnsupported
	}
	if e.maxBytes > 0 && int64(len(att.Content)) > e.maxBytes {
		if e.logger != nil {
			e.logger.Debug("attachment over size limit", "filename", att.Filename, "bytes", len(att.Content))
		}
		return "", fmt.Errorf("%s is %d bytes, limit %d", att.Filename, len(att.Content), e.maxBytes)
	}
	if len(att.Content) == 0 {
		return "", nil
	}

	switch kind {
	case KindPDF:
		return pdfText(att.Content)
	case KindHTML:
		text, err := html2text.FromString(string(att.Content), html2text.Options{OmitLinks: true})
		if err != nil {
			return "", fmt.Errorf("html to text: %w", err)
		}
		return strings.TrimSpace(text), nil
	default:
		return strings.TrimSpace(string(att.Content)), nil
	}
}

func pdfText(content []byte) (text string, err error) {
	// The PDF decoder panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("decode pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

var (
	orderIndicators = []string{
		"devis", "facture", "commande", "bon de livraison",
		"invoice", "order", "quantité", "prix", "total",
	}
	wineIndicators = []string{
		"bouteille", "vin", "domaine", "château", "appellation",
		"millésime", "rouge", "blanc", "rosé",
	}
)

// LooksLikeOrder reports whether text mentions both an order term and a wine term.
func LooksLikeOrder(text string) bool {
	lower := strings.ToLower(text)
	return containsAny(lower, orderIndicators) && containsAny(lower, wineIndicators)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
