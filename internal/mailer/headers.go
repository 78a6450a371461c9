package mailer

import (
	"bytes"
	"fmt"
	"math/rand"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/smtp-dispatch/internal/config"
	"github.com/ignite/smtp-dispatch/internal/domain"
)

const dateJitterRange = 60 * time.Second

// messageBuilder assembles the raw RFC-5322 bytes for one attempt. Every
// attempt gets a fresh Message-ID and a re-jittered Date.
type messageBuilder struct {
	cfg        config.SMTPConfig
	fromDomain string
}

func newMessageBuilder(cfg config.SMTPConfig) *messageBuilder {
	return &messageBuilder{
		cfg:        cfg,
		fromDomain: domain.DomainOf(cfg.From),
	}
}

// build returns the Message-ID and the full message bytes for req.
func (b *messageBuilder) build(req *domain.SendRequest) (string, []byte) {
	msgID := b.messageID()

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", b.cfg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", req.Recipient))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", encodeHeader(req.Subject)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", msgID))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", jitteredDate(time.Now())))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("X-Mailer: %s\r\n", b.cfg.XMailer))

	if b.cfg.ListUnsubscribe != "" {
		buf.WriteString(fmt.Sprintf("List-Unsubscribe: %s\r\n", b.cfg.ListUnsubscribe))
		buf.WriteString("List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n")
	}
	if b.cfg.ReturnPath != "" {
		buf.WriteString(fmt.Sprintf("Return-Path: <%s>\r\n", b.cfg.ReturnPath))
	}
	if b.cfg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", b.cfg.ReplyTo))
	}
	for k, v := range b.cfg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	if req.ContentKind == domain.ContentHTML {
		b.writeMultipart(&buf, req.Body)
	} else {
		b.writeText(&buf, req.Body)
	}

	return msgID, buf.Bytes()
}

// messageID builds `<{unix_ms}.{12 alphanumerics}@{sender-domain}>`.
func (b *messageBuilder) messageID() string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixMilli(), token, b.fromDomain)
}

// jitteredDate renders now perturbed by a uniform +-30 s as an RFC-2822 UTC
// date. The perturbation keeps bulk batches from carrying identical stamps.
func jitteredDate(now time.Time) string {
	jitter := time.Duration(rand.Int63n(int64(dateJitterRange))) - dateJitterRange/2
	return now.Add(jitter).UTC().Format(time.RFC1123Z)
}

// writeMultipart emits a multipart/alternative body: the synthesized text
// part first, then the HTML part, both quoted-printable.
func (b *messageBuilder) writeMultipart(buf *bytes.Buffer, htmlBody string) {
	boundary := fmt.Sprintf("=_%s", strings.ReplaceAll(uuid.New().String(), "-", "")[:16])
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	writeQP(buf, htmlToText(htmlBody))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	writeQP(buf, htmlBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
}

func (b *messageBuilder) writeText(buf *bytes.Buffer, body string) {
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	writeQP(buf, body)
	buf.WriteString("\r\n")
}

func writeQP(buf *bytes.Buffer, s string) {
	w := quotedprintable.NewWriter(buf)
	_, _ = w.Write([]byte(s))
	_ = w.Close()
}

// encodeHeader RFC-2047 encodes a header value carrying non-ASCII
// characters; plain ASCII passes through untouched.
func encodeHeader(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return mime.QEncoding.Encode("UTF-8", s)
		}
	}
	return s
}
