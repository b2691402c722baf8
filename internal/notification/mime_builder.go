package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReportEmail is a complete report message before MIME encoding.
type ReportEmail struct {
	From     string
	FromName string
	To       []string
	Subject  string
	TextBody string
	HTMLBody string

	MessageID  string
	ReportID   string
	SystemName string
	Date       time.Time

	Attachments []Attachment
}

// Attachment is a file carried by the message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// report formats missing from the builtin mime table on some systems
var attachmentTypes = map[string]string{
	".csv":  "text/csv; charset=utf-8",
	".zip":  "application/zip",
	".json": "application/json",
	".html": "text/html; charset=utf-8",
}

// AttachmentFromFile reads path into an Attachment.
func AttachmentFromFile(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	name := filepath.Base(path)
	ct, ok := attachmentTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		ct = mime.TypeByExtension(filepath.Ext(name))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Attachment{Name: name, ContentType: ct, Data: data}, nil
}

// BuildMIMEMessage encodes the email as multipart/mixed with a
// multipart/alternative text+HTML body followed by the attachments.
func BuildMIMEMessage(email *ReportEmail) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	if err := writeEmailHeaders(&buf, email, mixed.Boundary()); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if err := writeQuotedPart(altWriter, "text/plain; charset=utf-8", email.TextBody); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}
	if err := writeQuotedPart(altWriter, "text/html; charset=utf-8", email.HTMLBody); err != nil {
		return nil, fmt.Errorf("failed to write HTML part: %w", err)
	}
	if err := altWriter.Close(); err != nil {
		return nil, err
	}

	altHeader := textproto.MIMEHeader{}
	altHeader.Set("Content-Type", "multipart/alternative; boundary="+altWriter.Boundary())
	part, err := mixed.CreatePart(altHeader)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(alt.Bytes()); err != nil {
		return nil, err
	}

	for _, a := range email.Attachments {
		if err := writeAttachmentPart(mixed, a); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", a.Name, err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeEmailHeaders writes the top-level headers in a stable order.
func writeEmailHeaders(buf *bytes.Buffer, email *ReportEmail, boundary string) error {
	if email.From == "" || len(email.To) == 0 {
		return fmt.Errorf("from and to are required")
	}
	date := email.Date
	if date.IsZero() {
		date = time.Now()
	}

	headers := make(textproto.MIMEHeader)
	headers.Set("From", CreateDisplayName(email.FromName, email.From))
	headers.Set("To", strings.Join(email.To, ", "))
	headers.Set("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	headers.Set("Date", date.Format(time.RFC1123Z))
	headers.Set("MIME-Version", "1.0")
	headers.Set("Content-Type", "multipart/mixed; boundary="+boundary)
	if email.MessageID != "" {
		headers.Set("Message-ID", fmt.Sprintf("<%s>", email.MessageID))
	}

	// reports are machine generated; suppress auto-replies
	headers.Set("Auto-Submitted", "auto-generated")
	headers.Set("X-Auto-Response-Suppress", "All")
	headers.Set("X-Mailer", "Capturer")
	if email.SystemName != "" {
		headers.Set("X-Capturer-System", email.SystemName)
	}
	if email.ReportID != "" {
		headers.Set("X-Report-ID", email.ReportID)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	return nil
}

func writeQuotedPart(w *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachmentPart(w *multipart.Writer, a Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ct, map[string]string{"name": a.Name}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[:76]); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	if encoded != "" {
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded); err != nil {
			return err
		}
	}
	return nil
}

// generateMessageID creates a unique Message-ID for a report
func generateMessageID(reportID string) string {
	return fmt.Sprintf("report-%s@capturer.local", reportID)
}
