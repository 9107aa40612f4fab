package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS saved_replies (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	tags BLOB,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saved_replies_owner ON saved_replies(owner_id);

CREATE TABLE IF NOT EXISTS extension_configs (
	owner_id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1,
	theme TEXT,
	shortcuts BLOB,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_flags (
	key TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 0,
	description TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(owner_id);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);`

// SQLiteStoreConfig configures the SQLite domain store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists saved replies, extension configs, feature flags, app
// settings and tickets in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite-backed domain store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so other stores (auth) can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- ReplyStore ---

// ListReplies returns the owner's saved replies in creation order.
func (s *SQLiteStore) ListReplies(ctx context.Context, ownerID string) ([]SavedReplyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, title, body, tags, created_at, updated_at
FROM saved_replies
WHERE owner_id = ?
ORDER BY seq`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list replies: %w", err)
	}
	defer rows.Close()

	var recs []SavedReplyRecord
	for rows.Next() {
		rec, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetReply retrieves one saved reply scoped to its owner.
func (s *SQLiteStore) GetReply(ctx context.Context, ownerID, id string) (SavedReplyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, body, tags, created_at, updated_at
FROM saved_replies
WHERE owner_id = ? AND id = ?`, ownerID, id)

	rec, err := scanReply(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SavedReplyRecord{}, false, nil
		}
		return SavedReplyRecord{}, false, err
	}
	return rec, true, nil
}

// CreateReply inserts a new saved reply.
func (s *SQLiteStore) CreateReply(ctx context.Context, rec SavedReplyRecord) error {
	tags, err := marshalJSONColumn(rec.Tags)
	if err != nil {
		return fmt.Errorf("sqlite store marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO saved_replies (id, owner_id, title, body, tags, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OwnerID,
		rec.Title,
		rec.Body,
		tags,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReplyExists
		}
		return fmt.Errorf("sqlite store create reply: %w", err)
	}
	return nil
}

// UpdateReply modifies an existing saved reply, scoped to its owner.
func (s *SQLiteStore) UpdateReply(ctx context.Context, rec SavedReplyRecord) error {
	tags, err := marshalJSONColumn(rec.Tags)
	if err != nil {
		return fmt.Errorf("sqlite store marshal tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE saved_replies
SET title = ?, body = ?, tags = ?, updated_at = ?
WHERE owner_id = ? AND id = ?`,
		rec.Title,
		rec.Body,
		tags,
		formatTime(rec.UpdatedAt),
		rec.OwnerID,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite store update reply: %w", err)
	}
	return requireRowAffected(res, ErrReplyNotFound)
}

// DeleteReply removes a saved reply, scoped to its owner.
func (s *SQLiteStore) DeleteReply(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM saved_replies
WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return fmt.Errorf("sqlite store delete reply: %w", err)
	}
	return requireRowAffected(res, ErrReplyNotFound)
}

// --- ConfigStore ---

// GetConfig retrieves a user's extension configuration.
func (s *SQLiteStore) GetConfig(ctx context.Context, ownerID string) (ExtensionConfigRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT owner_id, enabled, theme, shortcuts, updated_at
FROM extension_configs
WHERE owner_id = ?`, ownerID)

	var (
		rec       ExtensionConfigRecord
		enabled   int
		theme     sql.NullString
		shortcuts []byte
		updatedAt string
	)
	if err := row.Scan(&rec.OwnerID, &enabled, &theme, &shortcuts, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExtensionConfigRecord{}, false, nil
		}
		return ExtensionConfigRecord{}, false, fmt.Errorf("sqlite store get config: %w", err)
	}

	rec.Enabled = enabled != 0
	rec.Theme = theme.String
	if len(shortcuts) > 0 {
		if err := json.Unmarshal(shortcuts, &rec.Shortcuts); err != nil {
			return ExtensionConfigRecord{}, false, fmt.Errorf("sqlite store parse shortcuts: %w", err)
		}
	}
	updated, err := parseTime(updatedAt, "updated_at")
	if err != nil {
		return ExtensionConfigRecord{}, false, err
	}
	rec.UpdatedAt = updated
	return rec, true, nil
}

// PutConfig upserts a user's extension configuration.
func (s *SQLiteStore) PutConfig(ctx context.Context, rec ExtensionConfigRecord) error {
	shortcuts, err := marshalJSONColumn(rec.Shortcuts)
	if err != nil {
		return fmt.Errorf("sqlite store marshal shortcuts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO extension_configs (owner_id, enabled, theme, shortcuts, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(owner_id) DO UPDATE SET
	enabled = excluded.enabled,
	theme = excluded.theme,
	shortcuts = excluded.shortcuts,
	updated_at = excluded.updated_at`,
		rec.OwnerID,
		boolToInt(rec.Enabled),
		nullIfEmpty(rec.Theme),
		shortcuts,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store put config: %w", err)
	}
	return nil
}

// --- SettingStore ---

// ListFlags returns all feature flags ordered by key.
func (s *SQLiteStore) ListFlags(ctx context.Context) ([]FeatureFlagRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, enabled, description, updated_at
FROM feature_flags
ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list flags: %w", err)
	}
	defer rows.Close()

	var recs []FeatureFlagRecord
	for rows.Next() {
		var (
			rec         FeatureFlagRecord
			enabled     int
			description sql.NullString
			updatedAt   string
		)
		if err := rows.Scan(&rec.Key, &enabled, &description, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store scan flag: %w", err)
		}
		rec.Enabled = enabled != 0
		rec.Description = description.String
		updated, err := parseTime(updatedAt, "updated_at")
		if err != nil {
			return nil, err
		}
		rec.UpdatedAt = updated
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PutFlag upserts a feature flag.
func (s *SQLiteStore) PutFlag(ctx context.Context, rec FeatureFlagRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO feature_flags (key, enabled, description, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	enabled = excluded.enabled,
	description = excluded.description,
	updated_at = excluded.updated_at`,
		rec.Key,
		boolToInt(rec.Enabled),
		nullIfEmpty(rec.Description),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store put flag: %w", err)
	}
	return nil
}

// ListSettings returns all app settings ordered by key.
func (s *SQLiteStore) ListSettings(ctx context.Context) ([]AppSettingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, value, updated_at
FROM app_settings
ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list settings: %w", err)
	}
	defer rows.Close()

	var recs []AppSettingRecord
	for rows.Next() {
		var (
			rec       AppSettingRecord
			updatedAt string
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store scan setting: %w", err)
		}
		updated, err := parseTime(updatedAt, "updated_at")
		if err != nil {
			return nil, err
		}
		rec.UpdatedAt = updated
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PutSetting upserts an app setting.
func (s *SQLiteStore) PutSetting(ctx context.Context, rec AppSettingRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO app_settings (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at`,
		rec.Key,
		rec.Value,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store put setting: %w", err)
	}
	return nil
}

// --- TicketStore ---

// ListTickets returns the owner's tickets, newest first.
func (s *SQLiteStore) ListTickets(ctx context.Context, ownerID string) ([]TicketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, subject, body, status, created_at, updated_at
FROM tickets
WHERE owner_id = ?
ORDER BY seq DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list tickets: %w", err)
	}
	defer rows.Close()
	return collectTickets(rows)
}

// ListAllTickets returns every ticket, newest first. Admin surface.
func (s *SQLiteStore) ListAllTickets(ctx context.Context) ([]TicketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, subject, body, status, created_at, updated_at
FROM tickets
ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list all tickets: %w", err)
	}
	defer rows.Close()
	return collectTickets(rows)
}

// GetTicket retrieves one ticket by ID.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (TicketRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, subject, body, status, created_at, updated_at
FROM tickets
WHERE id = ?`, id)

	rec, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TicketRecord{}, false, nil
		}
		return TicketRecord{}, false, err
	}
	return rec, true, nil
}

// CreateTicket inserts a new ticket.
func (s *SQLiteStore) CreateTicket(ctx context.Context, rec TicketRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tickets (id, owner_id, subject, body, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OwnerID,
		rec.Subject,
		rec.Body,
		string(rec.Status),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store create ticket: %w", err)
	}
	return nil
}

// UpdateTicketStatus transitions a ticket's status.
func (s *SQLiteStore) UpdateTicketStatus(ctx context.Context, id string, status TicketStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tickets
SET status = ?, updated_at = ?
WHERE id = ?`, string(status), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("sqlite store update ticket status: %w", err)
	}
	return requireRowAffected(res, ErrTicketNotFound)
}

// --- scan/format helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReply(scanner rowScanner) (SavedReplyRecord, error) {
	var (
		rec       SavedReplyRecord
		tags      []byte
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.Body, &tags, &createdAt, &updatedAt); err != nil {
		return SavedReplyRecord{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return SavedReplyRecord{}, fmt.Errorf("sqlite store parse tags: %w", err)
		}
	}
	created, err := parseTime(createdAt, "created_at")
	if err != nil {
		return SavedReplyRecord{}, err
	}
	updated, err := parseTime(updatedAt, "updated_at")
	if err != nil {
		return SavedReplyRecord{}, err
	}
	rec.CreatedAt = created
	rec.UpdatedAt = updated
	return rec, nil
}

func scanTicket(scanner rowScanner) (TicketRecord, error) {
	var (
		rec       TicketRecord
		status    string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&rec.ID, &rec.OwnerID, &rec.Subject, &rec.Body, &status, &createdAt, &updatedAt); err != nil {
		return TicketRecord{}, err
	}
	rec.Status = TicketStatus(status)
	created, err := parseTime(createdAt, "created_at")
	if err != nil {
		return TicketRecord{}, err
	}
	updated, err := parseTime(updatedAt, "updated_at")
	if err != nil {
		return TicketRecord{}, err
	}
	rec.CreatedAt = created
	rec.UpdatedAt = updated
	return rec, nil
}

func collectTickets(rows *sql.Rows) ([]TicketRecord, error) {
	var recs []TicketRecord
	for rows.Next() {
		rec, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func marshalJSONColumn(v any) ([]byte, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s, column string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite store parse %s: %w", column, err)
	}
	return t, nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface checks.
var (
	_ ReplyStore   = (*SQLiteStore)(nil)
	_ ConfigStore  = (*SQLiteStore)(nil)
	_ SettingStore = (*SQLiteStore)(nil)
	_ TicketStore  = (*SQLiteStore)(nil)
)
