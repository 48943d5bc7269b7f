// Package mimeexport reconstructs a stored Email as an RFC 5322 message,
// used by IMAP's BODY[]/BODY.PEEK[]/RFC822 fetch items.
package mimeexport

import (
	"bytes"
	"fmt"
	"strings"

	emmail "github.com/emersion/go-message/mail"

	"github.com/fenilsonani/mailcore/internal/store"
)

// Build renders e as a complete RFC 5322 message: headers (Message-Id,
// From, To, Cc, Subject, Date, In-Reply-To, References) followed by a
// multipart/mixed body. Its first part is a multipart/alternative section
// holding the text and HTML parts that are present; a message with only
// one body still gets both wrappers around that single part. Any stored
// attachments follow as further parts of the multipart/mixed body.
func Build(e *store.Email) ([]byte, error) {
	var h emmail.Header
	h.SetMessageID(strings.TrimSuffix(strings.TrimPrefix(e.MessageID, "<"), ">"))
	h.SetSubject(e.Subject)
	h.SetDate(e.ReceivedAt)

	from := []*emmail.Address{{Name: e.FromName, Address: e.FromAddress}}
	if err := h.SetAddressList("From", from); err != nil {
		return nil, fmt.Errorf("failed to set From: %w", err)
	}

	to, cc := splitRecipients(e.Recipients)
	if len(to) > 0 {
		if err := h.SetAddressList("To", to); err != nil {
			return nil, fmt.Errorf("failed to set To: %w", err)
		}
	}
	if len(cc) > 0 {
		if err := h.SetAddressList("Cc", cc); err != nil {
			return nil, fmt.Errorf("failed to set Cc: %w", err)
		}
	}
	// Bcc recipients are never rendered into the exported message: the
	// point of Bcc is that it is invisible to every other recipient.

	if e.InReplyTo != "" {
		h.Set("In-Reply-To", e.InReplyTo)
	}
	if e.References != "" {
		h.Set("References", e.References)
	}

	var buf bytes.Buffer
	mw, err := emmail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := writeBody(mw, e); err != nil {
		mw.Close()
		return nil, err
	}
	for _, a := range e.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			mw.Close()
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(mw *emmail.Writer, e *store.Email) error {
	hasText := e.TextBody != ""
	hasHTML := e.HTMLBody != ""

	if hasText && hasHTML {
		iw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("failed to create inline writer: %w", err)
		}
		defer iw.Close()

		if err := writeInlinePart(iw, "text/plain", e.TextBody); err != nil {
			return err
		}
		return writeInlinePart(iw, "text/html", e.HTMLBody)
	}

	body := e.TextBody
	contentType := "text/plain"
	if hasHTML {
		body = e.HTMLBody
		contentType = "text/html"
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline writer: %w", err)
	}
	defer iw.Close()
	return writeInlinePart(iw, contentType, body)
}

func writeInlinePart(iw *emmail.InlineWriter, contentType, body string) error {
	var ih emmail.InlineHeader
	ih.Set("Content-Type", contentType+"; charset=utf-8")

	pw, err := iw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	defer pw.Close()
	_, err = pw.Write([]byte(body))
	return err
}

func writeAttachment(mw *emmail.Writer, a store.Attachment) error {
	var ah emmail.AttachmentHeader
	ah.Set("Content-Type", a.ContentType)
	ah.SetFilename(a.Filename)

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("failed to create attachment %q: %w", a.Filename, err)
	}
	defer aw.Close()
	_, err = aw.Write(a.Data)
	return err
}

func splitRecipients(recipients []store.Recipient) (to, cc []*emmail.Address) {
	for _, r := range recipients {
		addr := &emmail.Address{Name: r.DisplayName, Address: r.Address}
		switch r.Type {
		case store.RecipientTo:
			to = append(to, addr)
		case store.RecipientCc:
			cc = append(cc, addr)
		}
	}
	return to, cc
}
