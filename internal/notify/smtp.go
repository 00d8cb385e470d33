package notify

import (
	"bytes"
	"cmp"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Default SMTP ports per security mode.
const (
	DefaultSMTPPort    = 587
	DefaultSMTPTLSPort = 465
)

// SMTPTransport sends mail through an SMTP relay.
type SMTPTransport struct {
	cfg        types.SMTPConfig
	recipients []string
	// now stamps the Date header; tests replace it.
	now func() time.Time
}

// NewSMTPTransport validates cfg and returns a transport.
func NewSMTPTransport(cfg types.SMTPConfig) (*SMTPTransport, error) {
	if !util.IsConfigured(cfg.Server) {
		return nil, errors.New("SMTP server is required")
	}
	if !util.IsConfigured(cfg.From) {
		return nil, errors.New("SMTP from address is required")
	}
	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return nil, errors.New("no valid recipients")
	}
	cfg.Security = cmp.Or(cfg.Security, types.SMTPSecurityStartTLS)
	if cfg.Port == 0 {
		cfg.Port = DefaultSMTPPort
		if cfg.Security == types.SMTPSecurityTLS {
			cfg.Port = DefaultSMTPTLSPort
		}
	}
	return &SMTPTransport{cfg: cfg, recipients: recipients, now: time.Now}, nil
}

// Name identifies the transport in logs.
func (t *SMTPTransport) Name() string { return "smtp" }

// Send delivers msg in one SMTP session.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	data, err := t.buildMIME(msg)
	if err != nil {
		return Permanent(util.WrapError("build message", err))
	}

	addr := net.JoinHostPort(t.cfg.Server, strconv.Itoa(t.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Transient(util.WrapError("connect to "+addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	tlsCfg := &tls.Config{ServerName: t.cfg.Server, MinVersion: tls.VersionTLS12}
	if t.cfg.Security == types.SMTPSecurityTLS {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, t.cfg.Server)
	if err != nil {
		_ = conn.Close()
		return classifySMTP("greet server", err)
	}
	defer c.Close() //nolint:errcheck // Quit already attempted

	if t.cfg.Security == types.SMTPSecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return Permanentf("server %s does not offer STARTTLS", t.cfg.Server)
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return classifySMTP("start TLS", err)
		}
	}

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Server)
		if err := c.Auth(auth); err != nil {
			return classifySMTP("authenticate", err)
		}
	}

	if err := c.Mail(t.cfg.From); err != nil {
		return classifySMTP("set sender", err)
	}
	for _, rcpt := range t.recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return classifySMTP("add recipient "+rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTP("start data", err)
	}
	if _, err := w.Write(data); err != nil {
		return classifySMTP("write data", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("finish data", err)
	}
	return classifySMTP("quit", c.Quit())
}

// classifySMTP marks 5xx replies permanent and everything else transient.
func classifySMTP(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := util.WrapError(op, err)
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(wrapped)
	}
	return Transient(wrapped)
}

// buildMIME renders msg as a multipart/mixed message.
func (t *SMTPTransport) buildMIME(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("From", t.cfg.From)
	header.Set("To", strings.Join(t.recipients, ", "))
	header.Set("Subject", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	header.Set("Date", t.now().Format(time.RFC1123Z))
	header.Set("Message-ID", "<"+uuid.NewString()+"@"+messageIDHost(t.cfg.From)+">")
	header.Set("MIME-Version", "1.0")
	header.Set("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	for _, k := range []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"} {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, header.Get(k))
	}
	buf.WriteString("\r\n")

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if err := writeQP(altWriter, "text/plain; charset=utf-8", msg.Body); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writeQP(altWriter, "text/html; charset=utf-8", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := altWriter.Close(); err != nil {
		return nil, err
	}

	bodyType := "multipart/alternative; boundary=" + altWriter.Boundary()
	body := alt.Bytes()

	var inline, files []Attachment
	for _, a := range msg.Attachments {
		switch {
		case len(a.Data) == 0:
		case a.ContentID != "" && msg.HTML != "":
			inline = append(inline, a)
		default:
			files = append(files, a)
		}
	}

	// Inline images travel with the HTML in a multipart/related part.
	if len(inline) > 0 {
		var rel bytes.Buffer
		relWriter := multipart.NewWriter(&rel)
		part, err := relWriter.CreatePart(textproto.MIMEHeader{"Content-Type": {bodyType}})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(body); err != nil {
			return nil, err
		}
		for _, a := range inline {
			if err := writeAttachment(relWriter, a, "inline"); err != nil {
				return nil, err
			}
		}
		if err := relWriter.Close(); err != nil {
			return nil, err
		}
		bodyType = `multipart/related; type="multipart/alternative"; boundary=` + relWriter.Boundary()
		body = rel.Bytes()
	}

	part, err := mixed.CreatePart(textproto.MIMEHeader{"Content-Type": {bodyType}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(body); err != nil {
		return nil, err
	}

	for _, a := range files {
		if err := writeAttachment(mixed, a, "attachment"); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAttachment adds a as a base64 part with the given disposition.
func writeAttachment(w *multipart.Writer, a Attachment, disposition string) error {
	header := textproto.MIMEHeader{
		"Content-Type":              {cmp.Or(a.ContentType, "application/octet-stream")},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType(disposition, map[string]string{"filename": a.Filename})},
	}
	if a.ContentID != "" {
		header.Set("Content-ID", "<"+a.ContentID+">")
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	return writeBase64Lines(part, a.Data)
}

func writeQP(w *multipart.Writer, contentType, body string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// writeBase64Lines writes data base64-encoded in 76 character lines.
func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := min(76, len(encoded))
		if _, err := w.Write([]byte(encoded[:n] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

func messageIDHost(from string) string {
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		return strings.Trim(from[i+1:], "> ")
	}
	return "silencewatch.local"
}
