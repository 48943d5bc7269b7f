package mimeexport_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailcore/internal/mimeexport"
	"github.com/fenilsonani/mailcore/internal/store"
)

func TestBuildSinglePartMessage(t *testing.T) {
	e := &store.Email{
		MessageID:   "<msg1@example.com>",
		FromAddress: "bob@example.com",
		FromName:    "Bob",
		Subject:     "Hello",
		TextBody:    "plain text body",
		ReceivedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Recipients: []store.Recipient{
			{Address: "alice@example.com", DisplayName: "Alice", Type: store.RecipientTo},
			{Address: "carol@example.com", DisplayName: "Carol", Type: store.RecipientCc},
			{Address: "secret@example.com", DisplayName: "Hidden", Type: store.RecipientBcc},
		},
	}

	raw, err := mimeexport.Build(e)
	require.NoError(t, err)
	msg := string(raw)

	assert.Contains(t, msg, "Message-Id: <msg1@example.com>")
	assert.Contains(t, msg, "Subject: Hello")
	assert.Contains(t, msg, "Bob")
	assert.Contains(t, msg, "bob@example.com")
	assert.Contains(t, msg, "Alice")
	assert.Contains(t, msg, "Carol")
	assert.Contains(t, msg, "plain text body")
	assert.NotContains(t, msg, "secret@example.com", "Bcc must never be rendered into the exported message")
	assert.NotContains(t, msg, "Hidden")
}

func TestBuildMultipartAlternativeWhenBothBodiesPresent(t *testing.T) {
	e := &store.Email{
		MessageID:   "<msg2@example.com>",
		FromAddress: "bob@example.com",
		Subject:     "Both",
		TextBody:    "plain version",
		HTMLBody:    "<p>html version</p>",
		ReceivedAt:  time.Now(),
	}

	raw, err := mimeexport.Build(e)
	require.NoError(t, err)
	msg := string(raw)

	assert.True(t, strings.Contains(msg, "multipart/alternative"))
	assert.Contains(t, msg, "plain version")
	assert.Contains(t, msg, "html version")
}

func TestBuildIncludesAttachments(t *testing.T) {
	e := &store.Email{
		MessageID:   "<msg3@example.com>",
		FromAddress: "bob@example.com",
		TextBody:    "see attached",
		ReceivedAt:  time.Now(),
		Attachments: []store.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-fake"), Size: 9},
		},
	}

	raw, err := mimeexport.Build(e)
	require.NoError(t, err)
	msg := string(raw)

	assert.Contains(t, msg, "report.pdf")
	assert.Contains(t, msg, "application/pdf")
}
