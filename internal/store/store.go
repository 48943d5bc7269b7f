// Package store implements the MailboxStore contract: persistence of
// Users, ApiKeys, Emails, Recipients, Attachments and Labels, with the
// atomic bulk operations and streaming iteration the protocol engines need.
package store

import (
	"context"
	"io"
	"time"
)

// Flag is a bit in the per-message flag set.
type Flag uint8

const (
	FlagSeen Flag = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
)

// RecipientType distinguishes To/Cc/Bcc recipients.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// Scope is a named permission on an ApiKey.
type Scope string

const (
	ScopeSMTP       Scope = "smtp"
	ScopePOP3       Scope = "pop3"
	ScopeIMAP       Scope = "imap"
	ScopeAPIRead    Scope = "api:read"
	ScopeAPIWrite   Scope = "api:write"
	ScopeInternal   Scope = "internal"
)

// User is an identity established by an external OIDC issuer+subject pair.
type User struct {
	ID              int64
	OIDCIssuer      string
	OIDCSubject     string
	PrimaryAddress  string // lower-cased, unique
	CreatedAt       time.Time
}

// ApiKey belongs to a User and carries the hashed secret plus scopes.
type ApiKey struct {
	ID          int64
	UserID      int64
	Name        string
	Prefix      string // first 12 bytes of plaintext, non-secret, used for lookup
	Hash        string // bcrypt hash of the full plaintext
	Scopes      []Scope
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
}

// Active reports whether the key has not been revoked.
func (k *ApiKey) Active() bool { return k.RevokedAt == nil }

// HasScope reports whether the key carries the given scope.
func (k *ApiKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// Email is an immutable received message.
type Email struct {
	ID           int64
	MessageID    string
	FromAddress  string
	FromName     string
	Subject      string
	TextBody     string
	HTMLBody     string
	Size         int64
	ReceivedAt   time.Time
	InReplyTo    string
	References   string
	ThreadID     *int64
	SentByUserID *int64

	Recipients  []Recipient
	Attachments []Attachment
}

// Recipient is a single To/Cc/Bcc entry on an Email.
type Recipient struct {
	ID          int64
	EmailID     int64
	Address     string
	DisplayName string
	Type        RecipientType
	UserID      *int64 // bound lazily once the address is a registered User address
	IsRead      bool
}

// Attachment is a stored file attached to an Email.
type Attachment struct {
	ID          int64
	EmailID     int64
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// Label is a per-user named color tag.
type Label struct {
	ID     int64
	UserID int64
	Name   string
	Color  string
}

// VisibleEmail is a row in a user's mailbox projection: the stored Email
// plus the per-user flag state MessageView needs, without hydrating the
// full recipient/attachment graph.
type VisibleEmail struct {
	Email        Email
	IsRead       bool // per-recipient isRead for this user (or true if user is sender)
	IMAPFlags    Flag // persisted IMAP flag bitset for this user, \Seen and \Deleted included
}

// SearchCriteria is a flag-only RFC 9051 §6.4.4 criteria record with no
// non-flag fields. Nothing in this module uses it; the IMAP SearchEvaluator
// works from the search keys returned by ParseSearchCriteria.
type SearchCriteria struct {
	Seen      *bool
	Deleted   *bool
	Flagged   *bool
}

// MailboxStore is the persistence contract consumed by the IMAP session
// engine. Implementations must serialize their own writes and expose an
// async/cancellable interface; cross-row mutations (bulk delete, flag
// linking) use a transaction internally.
type MailboxStore interface {
	// Users

	GetOrCreateUser(ctx context.Context, issuer, subject, primaryAddress string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByAddress(ctx context.Context, address string) (*User, error)
	AddUserAddress(ctx context.Context, userID int64, address string) error

	// ApiKeys

	CreateApiKey(ctx context.Context, userID int64, name, prefix, hash string, scopes []Scope) (*ApiKey, error)
	ListActiveApiKeys(ctx context.Context, userID int64) ([]*ApiKey, error)
	RevokeApiKey(ctx context.Context, apiKeyID int64) error
	TouchApiKeyLastUsed(ctx context.Context, apiKeyID int64, at time.Time) error

	// Mailbox projection (MessageView source of truth)

	// ListVisibleEmails returns every email the user participates in
	// (recipient or sender), ordered by (receivedAt, emailId) ascending.
	ListVisibleEmails(ctx context.Context, userID int64) ([]*VisibleEmail, error)
	GetEmailByID(ctx context.Context, emailID int64) (*Email, error)

	// Mutations

	SetRecipientRead(ctx context.Context, emailID, userID int64, isRead bool) error
	SetIMAPFlags(ctx context.Context, emailID, userID int64, flags Flag) error
	// ApplyDeletions deletes emails the user may delete (recipient or
	// sender) in one transaction and returns the ids actually removed.
	ApplyDeletions(ctx context.Context, userID int64, emailIDs []int64) ([]int64, error)

	// Attachments/body streaming

	OpenEmailBody(ctx context.Context, emailID int64) (io.ReadCloser, error)

	// Labels

	CreateLabel(ctx context.Context, userID int64, name, color string) (*Label, error)
	ListLabels(ctx context.Context, userID int64) ([]*Label, error)

	Close() error
}
