// Package parser extracts an RFC 5322 summary from accepted message content.
// Sinks use it for metadata and the stdout provider for display; a message
// that fails to parse is still delivered.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

// maxBodyPreview bounds how much of a text body is kept in a Summary.
const maxBodyPreview = 4096

// Summary holds the header fields and body preview of a message.
type Summary struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	MessageID   string
	Date        string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Attachment describes an attached part without keeping its content.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}

// Parse reads the header block and walks MIME parts of raw message content.
// Content may use either CRLF or LF line endings.
func Parse(raw []byte) (*Summary, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	s := &Summary{
		From:      decodeHeader(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
		Date:      msg.Header.Get("Date"),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Debug("unparseable content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := s.walkMultipart(msg.Body, boundary); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return s, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		s.HTMLBody = preview(body)
	} else {
		s.TextBody = preview(body)
	}
	return s, nil
}

// ParseString is Parse for content held as a string.
func ParseString(content string) (*Summary, error) {
	return Parse([]byte(content))
}

// walkMultipart records the first text/plain and text/html parts and
// describes every other leaf part as an attachment.
func (s *Summary) walkMultipart(body io.Reader, boundary string) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			slog.Debug("skipping part with bad content type", "content_type", partType)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				if err := s.walkMultipart(part, nested); err != nil {
					slog.Debug("failed to parse nested multipart", "error", err)
				}
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Debug("failed to read part content", "content_type", mediaType, "error", err)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		filename := part.FileName()
		if filename == "" {
			filename = params["name"]
		}

		switch {
		case strings.HasPrefix(disposition, "attachment") || filename != "":
			s.Attachments = append(s.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        len(content),
			})
		case mediaType == "text/plain" && s.TextBody == "":
			s.TextBody = preview(content)
		case mediaType == "text/html" && s.HTMLBody == "":
			s.HTMLBody = preview(content)
		}
	}
}

// readPartContent reads a part and undoes base64 transfer encoding.
// Quoted-printable is decoded by multipart.Reader itself.
func readPartContent(part *multipart.Part) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))
	if encoding != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

func preview(b []byte) string {
	text := strings.TrimRight(string(b), "\r\n")
	if len(text) > maxBodyPreview {
		text = text[:maxBodyPreview]
	}
	return text
}

// decodeHeader decodes RFC 2047 encoded-words, returning the input on failure.
func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}

// parseAddressList splits a comma-separated address list into bare addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
