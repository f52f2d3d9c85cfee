package telegram

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// maxAttachmentChars caps how much extracted file text rides into the
// prompt body.
const maxAttachmentChars = 16384

// attachmentText turns a message's attachment into prompt text. PDFs are
// text-extracted, textual files inlined verbatim, and everything else
// becomes a placeholder naming the file so the agent knows it arrived.
func (s *Surface) attachmentText(ctx context.Context, m *message) string {
	switch {
	case m.Document != nil:
		return s.documentText(ctx, m.Document)
	case len(m.Photo) > 0:
		return "[Photo attached]"
	default:
		return ""
	}
}

func (s *Surface) documentText(ctx context.Context, doc *document) string {
	data, name, err := s.download(ctx, doc.FileID)
	if err != nil {
		s.logger.Warn("telegram: attachment download failed", "file", doc.FileID, "error", err)
		return ""
	}
	if doc.FileName != "" {
		name = doc.FileName
	}
	mime := doc.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	switch {
	case mime == "application/pdf":
		text, err := extractPDFText(data)
		if err != nil || text == "" {
			s.logger.Warn("telegram: pdf extraction failed", "file", name, "error", err)
			return "[Attachment: " + name + " (application/pdf)]"
		}
		return clipRunes("[File: "+name+"]\n"+text, maxAttachmentChars)
	case strings.HasPrefix(mime, "image/"):
		return "[Image attached: " + name + "]"
	case isTextual(mime, data):
		return clipRunes("[File: "+name+"]\n"+string(data), maxAttachmentChars)
	default:
		return "[Attachment: " + name + " (" + mime + ")]"
	}
}

// isTextual accepts declared text types plus the structured formats people
// actually send, and falls back to sniffing the bytes for files uploaded as
// octet-stream.
func isTextual(mime string, data []byte) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/toml", "application/javascript":
		return true
	}
	if !utf8.Valid(data) {
		return false
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return !bytes.ContainsRune(head, 0)
}

// extractPDFText pulls plain text page by page, skipping pages that fail.
// The parser panics on some malformed files and attachments are user
// input, so the panic is converted into an error here.
func extractPDFText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf parse: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pageText)
	}
	return b.String(), nil
}
