package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements MailboxStore on top of github.com/mattn/go-sqlite3.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed MailboxStore and
// applies any pending migrations. WAL mode and foreign keys are enabled on
// the DSN, matching the concurrency posture the teacher's metadata store
// uses for a single-writer-many-readers workload.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if applied[version] {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename %q", name)
	}
	return strconv.Atoi(prefix)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB so collaborators that share this
// SQLite file — the audit logger, most notably — can write to their own
// tables without a second connection pool.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- Users -------------------------------------------------------------

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, issuer, subject, primaryAddress string) (*User, error) {
	primaryAddress = strings.ToLower(strings.TrimSpace(primaryAddress))

	u, err := s.getUserByOIDC(ctx, issuer, subject)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (oidc_issuer, oidc_subject, primary_address) VALUES (?, ?, ?)`,
		issuer, subject, primaryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

func (s *SQLiteStore) getUserByOIDC(ctx context.Context, issuer, subject string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, oidc_issuer, oidc_subject, primary_address, created_at FROM users WHERE oidc_issuer = ? AND oidc_subject = ?`,
		issuer, subject)
	var u User
	if err := row.Scan(&u.ID, &u.OIDCIssuer, &u.OIDCSubject, &u.PrimaryAddress, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, oidc_issuer, oidc_subject, primary_address, created_at FROM users WHERE id = ?`, id)
	var u User
	if err := row.Scan(&u.ID, &u.OIDCIssuer, &u.OIDCSubject, &u.PrimaryAddress, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByAddress(ctx context.Context, address string) (*User, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	row := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE primary_address = ?`, address)
	var id int64
	if err := row.Scan(&id); err == nil {
		return s.GetUserByID(ctx, id)
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT user_id FROM user_email_addresses WHERE address = ?`, address)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

func (s *SQLiteStore) AddUserAddress(ctx context.Context, userID int64, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_email_addresses (user_id, address) VALUES (?, ?)`, userID, address)
	return err
}

// --- ApiKeys -------------------------------------------------------------

func (s *SQLiteStore) CreateApiKey(ctx context.Context, userID int64, name, prefix, hash string, scopes []Scope) (*ApiKey, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("scopes must be non-empty")
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (user_id, name, key_prefix, key_hash, scopes) VALUES (?, ?, ?, ?, ?)`,
		userID, name, prefix, hash, string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ApiKey{ID: id, UserID: userID, Name: name, Prefix: prefix, Hash: hash, Scopes: scopes, CreatedAt: time.Now()}, nil
}

func (s *SQLiteStore) ListActiveApiKeys(ctx context.Context, userID int64) ([]*ApiKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, key_prefix, key_hash, scopes, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE user_id = ? AND revoked_at IS NULL`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApiKey(r rowScanner) (*ApiKey, error) {
	var k ApiKey
	var scopesJSON string
	var lastUsed, revoked sql.NullTime
	if err := r.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Hash, &scopesJSON, &k.CreatedAt, &lastUsed, &revoked); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopesJSON), &k.Scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes json for api key %d: %w", k.ID, err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	if revoked.Valid {
		t := revoked.Time
		k.RevokedAt = &t
	}
	return &k, nil
}

func (s *SQLiteStore) RevokeApiKey(ctx context.Context, apiKeyID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = CURRENT_TIMESTAMP WHERE id = ? AND revoked_at IS NULL`, apiKeyID)
	return err
}

func (s *SQLiteStore) TouchApiKeyLastUsed(ctx context.Context, apiKeyID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, apiKeyID)
	return err
}

// --- Mailbox projection --------------------------------------------------

func (s *SQLiteStore) ListVisibleEmails(ctx context.Context, userID int64) ([]*VisibleEmail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_id, e.from_address, e.from_name, e.subject,
		       e.text_body, e.html_body, e.size_bytes, e.received_at,
		       e.in_reply_to, e.references_hdr, e.thread_id, e.sent_by_user_id,
		       COALESCE(r.is_read, e.sent_by_user_id = ?) AS is_read,
		       COALESCE(r.imap_flags, 0) AS imap_flags
		FROM emails e
		LEFT JOIN email_recipients r ON r.email_id = e.id AND r.user_id = ?
		WHERE r.user_id = ? OR e.sent_by_user_id = ?
		ORDER BY e.received_at ASC, e.id ASC
	`, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VisibleEmail
	for rows.Next() {
		var ve VisibleEmail
		var threadID, sentBy sql.NullInt64
		var flags int64
		if err := rows.Scan(&ve.Email.ID, &ve.Email.MessageID, &ve.Email.FromAddress, &ve.Email.FromName,
			&ve.Email.Subject, &ve.Email.TextBody, &ve.Email.HTMLBody, &ve.Email.Size, &ve.Email.ReceivedAt,
			&ve.Email.InReplyTo, &ve.Email.References, &threadID, &sentBy, &ve.IsRead, &flags); err != nil {
			return nil, err
		}
		if threadID.Valid {
			v := threadID.Int64
			ve.Email.ThreadID = &v
		}
		if sentBy.Valid {
			v := sentBy.Int64
			ve.Email.SentByUserID = &v
		}
		ve.IMAPFlags = Flag(flags)
		out = append(out, &ve)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmailByID(ctx context.Context, emailID int64) (*Email, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, from_address, from_name, subject, text_body, html_body,
		       size_bytes, received_at, in_reply_to, references_hdr, thread_id, sent_by_user_id
		FROM emails WHERE id = ?`, emailID)

	var e Email
	var threadID, sentBy sql.NullInt64
	if err := row.Scan(&e.ID, &e.MessageID, &e.FromAddress, &e.FromName, &e.Subject, &e.TextBody, &e.HTMLBody,
		&e.Size, &e.ReceivedAt, &e.InReplyTo, &e.References, &threadID, &sentBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if threadID.Valid {
		v := threadID.Int64
		e.ThreadID = &v
	}
	if sentBy.Valid {
		v := sentBy.Int64
		e.SentByUserID = &v
	}

	recipRows, err := s.db.QueryContext(ctx,
		`SELECT id, email_id, address, display_name, type, user_id, is_read FROM email_recipients WHERE email_id = ? ORDER BY id`, emailID)
	if err != nil {
		return nil, err
	}
	defer recipRows.Close()
	for recipRows.Next() {
		var r Recipient
		var uid sql.NullInt64
		if err := recipRows.Scan(&r.ID, &r.EmailID, &r.Address, &r.DisplayName, &r.Type, &uid, &r.IsRead); err != nil {
			return nil, err
		}
		if uid.Valid {
			v := uid.Int64
			r.UserID = &v
		}
		e.Recipients = append(e.Recipients, r)
	}

	attRows, err := s.db.QueryContext(ctx,
		`SELECT id, email_id, filename, content_type, size_bytes, data FROM email_attachments WHERE email_id = ? ORDER BY id`, emailID)
	if err != nil {
		return nil, err
	}
	defer attRows.Close()
	for attRows.Next() {
		var a Attachment
		if err := attRows.Scan(&a.ID, &a.EmailID, &a.Filename, &a.ContentType, &a.Size, &a.Data); err != nil {
			return nil, err
		}
		e.Attachments = append(e.Attachments, a)
	}

	return &e, nil
}

// --- Mutations ------------------------------------------------------------

func (s *SQLiteStore) SetRecipientRead(ctx context.Context, emailID, userID int64, isRead bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET is_read = ? WHERE email_id = ? AND user_id = ?`, isRead, emailID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// The user is the sender, not a recipient row; there is nothing to
		// persist here — sender read-state is implicit and always true.
		return nil
	}
	return nil
}

func (s *SQLiteStore) SetIMAPFlags(ctx context.Context, emailID, userID int64, flags Flag) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET imap_flags = ? WHERE email_id = ? AND user_id = ?`, int64(flags), emailID, userID)
	return err
}

func (s *SQLiteStore) ApplyDeletions(ctx context.Context, userID int64, emailIDs []int64) ([]int64, error) {
	if len(emailIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deleted []int64
	for _, id := range emailIDs {
		var owner sql.NullInt64
		row := tx.QueryRowContext(ctx, `SELECT sent_by_user_id FROM emails WHERE id = ?`, id)
		if err := row.Scan(&owner); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}

		authorized := owner.Valid && owner.Int64 == userID
		if !authorized {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM email_recipients WHERE email_id = ? AND user_id = ?`, id, userID).Scan(&count); err != nil {
				return nil, err
			}
			authorized = count > 0
		}
		if !authorized {
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id); err != nil {
			return nil, err
		}
		deleted = append(deleted, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deleted, nil
}

// --- Body streaming --------------------------------------------------------

func (s *SQLiteStore) OpenEmailBody(ctx context.Context, emailID int64) (io.ReadCloser, error) {
	e, err := s.GetEmailByID(ctx, emailID)
	if err != nil {
		return nil, err
	}
	return &emailBodyReader{email: e}, nil
}

// --- Labels -----------------------------------------------------------------

func (s *SQLiteStore) CreateLabel(ctx context.Context, userID int64, name, color string) (*Label, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO labels (user_id, name, color) VALUES (?, ?, ?)`, userID, name, color)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Label{ID: id, UserID: userID, Name: name, Color: color}, nil
}

func (s *SQLiteStore) ListLabels(ctx context.Context, userID int64) ([]*Label, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, color FROM labels WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Label
	for rows.Next() {
		var l Label
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Color); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ErrNotFound is returned when a lookup by id/address finds no row.
var ErrNotFound = fmt.Errorf("store: not found")

// emailBodyReader streams an already-hydrated Email's textual body. A real
// deployment with large MIME bodies would stream straight from the BLOB
// column instead of materializing the Email first; the mailbox sizes this
// store targets make that unnecessary.
type emailBodyReader struct {
	email *Email
	r     io.Reader
}

func (b *emailBodyReader) Read(p []byte) (int, error) {
	if b.r == nil {
		body := b.email.TextBody
		if body == "" {
			body = b.email.HTMLBody
		}
		b.r = strings.NewReader(body)
	}
	return b.r.Read(p)
}

func (b *emailBodyReader) Close() error { return nil }
