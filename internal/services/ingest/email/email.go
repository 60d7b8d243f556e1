// Package email parses inbound MIME messages into the fields the ingest
// pipeline needs: subject, sender, text body, and PDF attachments.
package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	apperrors "github.com/ledgerline/payable/internal/errors"
)

// maxPartBytes bounds any single decoded MIME part.
const maxPartBytes = 10 << 20

// Attachment is one decoded attachment.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Parsed is the extracted content of one inbound message.
type Parsed struct {
	MessageID   string
	Subject     string
	Sender      string
	Body        string
	Attachments []Attachment
}

// PDFAttachments returns only the PDF attachments.
func (p Parsed) PDFAttachments() []Attachment {
	var pdfs []Attachment
	for _, attachment := range p.Attachments {
		if attachment.ContentType == "application/pdf" {
			pdfs = append(pdfs, attachment)
		}
	}
	return pdfs
}

// Parse extracts subject, sender, body text, and attachments from a raw
// RFC 5322 message.
func Parse(raw []byte) (Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Parsed{}, apperrors.New(apperrors.CodeIngestUnparseableEmail, "message is empty")
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, apperrors.Wrap(apperrors.CodeIngestUnparseableEmail, "read message", err)
	}

	parsed := Parsed{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-ID")), "<>"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		Sender:    decodeHeader(msg.Header.Get("From")),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Parsed{}, apperrors.Wrap(apperrors.CodeIngestUnparseableEmail, "parse content type", err)
	}

	var bodyParts []string
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return Parsed{}, apperrors.New(apperrors.CodeIngestUnparseableEmail, "multipart message missing boundary")
		}
		if err := walkMultipart(msg.Body, boundary, &bodyParts, &parsed.Attachments); err != nil {
			return Parsed{}, apperrors.Wrap(apperrors.CodeIngestUnparseableEmail, "walk multipart body", err)
		}
	} else if strings.HasPrefix(mediaType, "text/") {
		content, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return Parsed{}, apperrors.Wrap(apperrors.CodeIngestUnparseableEmail, "decode body", err)
		}
		bodyParts = append(bodyParts, string(content))
	}

	parsed.Body = strings.TrimSpace(strings.Join(bodyParts, "\n\n"))
	return parsed, nil
}

func walkMultipart(body io.Reader, boundary string, bodyParts *[]string, attachments *[]Attachment) error {
	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			return fmt.Errorf("parse part content type: %w", err)
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				return fmt.Errorf("nested multipart missing boundary")
			}
			if err := walkMultipart(part, nested, bodyParts, attachments); err != nil {
				return err
			}
			continue
		}

		filename := part.FileName()
		disposition := part.Header.Get("Content-Disposition")
		isAttachment := filename != "" || strings.HasPrefix(strings.ToLower(disposition), "attachment")

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("decode part: %w", err)
		}

		switch {
		case isAttachment:
			*attachments = append(*attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		case strings.HasPrefix(mediaType, "text/"):
			*bodyParts = append(*bodyParts, string(content))
		}
	}
}

func decodeBody(reader io.Reader, transferEncoding string) ([]byte, error) {
	limited := io.LimitReader(reader, maxPartBytes)
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		limited = base64.NewDecoder(base64.StdEncoding, newWhitespaceStrippingReader(limited))
	case "quoted-printable":
		limited = quotedprintable.NewReader(limited)
	}
	return io.ReadAll(limited)
}

func decodeHeader(value string) string {
	decoder := mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}

// whitespaceStrippingReader removes line breaks so base64 bodies with
// folded lines decode cleanly.
type whitespaceStrippingReader struct {
	inner io.Reader
}

func newWhitespaceStrippingReader(inner io.Reader) io.Reader {
	return &whitespaceStrippingReader{inner: inner}
}

func (r *whitespaceStrippingReader) Read(p []byte) (int, error) {
	buf := make([]byte, len(p))
	n, err := r.inner.Read(buf)
	kept := 0
	for _, b := range buf[:n] {
		if b == '\r' || b == '\n' || b == ' ' || b == '\t' {
			continue
		}
		p[kept] = b
		kept++
	}
	if kept == 0 && err == nil && n > 0 {
		return r.Read(p)
	}
	return kept, err
}
