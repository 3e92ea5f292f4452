// Package history persists prompt/generation entries and their
// generated-file records in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"previewd/internal/artifact"
	"previewd/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrClosed = errors.New("history store closed")

// Store is the SQLite-backed history store. Safe for concurrent use;
// SQLite prefers a single writer so the pool is capped at one conn.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: log.With(logx.String("comp", "history"))}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists a new entry for the provided prompt text.
func (s *Store) Append(ctx context.Context, prompt string, tags []string, metadata map[string]any) (Entry, error) {
	now := time.Now().UTC()
	e := Entry{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastUsedAt: now,
		Prompt:     prompt,
		Tags:       normalizeTags(tags),
		Metadata:   metadata,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, created_at, last_used_at, prompt, tags, metadata)
		 VALUES (?,?,?,?,?,?)`,
		e.ID, formatTime(e.CreatedAt), formatTime(e.LastUsedAt), e.Prompt,
		serializeTags(e.Tags), serializeMetadata(metadata),
	)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// EnsureEntry returns an existing entry matching prompt+tags+metadata
// exactly, or creates one. The bool reports whether the entry is new.
func (s *Store) EnsureEntry(ctx context.Context, prompt string, tags []string, metadata map[string]any) (Entry, bool, error) {
	tags = normalizeTags(tags)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_used_at, prompt, tags, metadata
		 FROM entries
		 WHERE prompt = ? AND tags = ? AND metadata = ?
		 ORDER BY last_used_at DESC
		 LIMIT 1`,
		prompt, serializeTags(tags), serializeMetadata(metadata),
	)
	e, err := scanEntry(row)
	switch {
	case err == nil:
		return e, false, nil
	case errors.Is(err, sql.ErrNoRows):
		created, err := s.Append(ctx, prompt, tags, metadata)
		return created, true, err
	default:
		return Entry{}, false, err
	}
}

// Get resolves a single entry by id, including its output files.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_used_at, prompt, tags, metadata FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	files, err := s.fetchOutputs(ctx, []string{e.ID})
	if err != nil {
		return Entry{}, false, err
	}
	e.Files = files[e.ID]
	return e, true, nil
}

// List returns entries ordered by recency (last used, then created),
// with output files attached. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT id, created_at, last_used_at, prompt, tags, metadata
	      FROM entries ORDER BY last_used_at DESC, created_at DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	var ids []string
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	outputs, err := s.fetchOutputs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Files = outputs[entries[i].ID]
	}
	return entries, nil
}

// Delete removes one entry (outputs cascade). Reports whether a row
// was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	// Explicit output delete keeps us correct even when foreign_keys is off.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outputs WHERE entry_id = ?`, id); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes all stored entries.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outputs`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries`)
	return err
}

// TouchEntries refreshes last_used_at for the given ids.
func (s *Store) TouchEntries(ctx context.Context, ids []string) error {
	ids = nonEmpty(ids)
	if len(ids) == 0 {
		return nil
	}
	now := formatTime(time.Now().UTC())
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE entries SET last_used_at = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
	}
	return nil
}

// AddOutputs links generated files to the given entries. Duplicates
// (same entry/filename/subfolder/type) are ignored.
func (s *Store) AddOutputs(ctx context.Context, ids []string, refs []artifact.FileRef) error {
	ids = nonEmpty(ids)
	if len(ids) == 0 {
		return nil
	}
	var kept []artifact.FileRef
	for _, ref := range refs {
		if strings.TrimSpace(ref.Filename) != "" {
			kept = append(kept, ref)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	for _, id := range ids {
		for _, ref := range kept {
			if _, err := s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO outputs (entry_id, filename, subfolder, type)
				 VALUES (?,?,?,?)`,
				id, strings.TrimSpace(ref.Filename), ref.Subfolder, ref.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindEntryIDsForPrompts maps each prompt text to its newest entry id.
func (s *Store) FindEntryIDsForPrompts(ctx context.Context, prompts []string) (map[string]string, error) {
	prompts = nonEmpty(prompts)
	if len(prompts) == 0 {
		return map[string]string{}, nil
	}
	placeholders := strings.Repeat("?,", len(prompts))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(prompts))
	for i, p := range prompts {
		args[i] = p
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT prompt, id FROM entries WHERE prompt IN (`+placeholders+`) ORDER BY created_at DESC`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var prompt, id string
		if err := rows.Scan(&prompt, &id); err != nil {
			return nil, err
		}
		if _, ok := out[prompt]; !ok {
			out[prompt] = id
		}
	}
	return out, rows.Err()
}

// MergeMetadata fills missing metadata keys on the given entries.
// Existing keys win; an unknown id is skipped.
func (s *Store) MergeMetadata(ctx context.Context, ids []string, params map[string]any) error {
	ids = nonEmpty(ids)
	if len(ids) == 0 || len(params) == 0 {
		return nil
	}
	for _, id := range ids {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT metadata FROM entries WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		meta := deserializeMetadata(raw)
		changed := false
		for k, v := range params {
			if _, ok := meta[k]; !ok {
				meta[k] = v
				changed = true
			}
		}
		if !changed {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE entries SET metadata = ? WHERE id = ?`, serializeMetadata(meta), id); err != nil {
			return err
		}
	}
	return nil
}

// Count reports the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// PruneToLimit deletes the least recently used entries beyond limit.
// Returns the number of entries removed.
func (s *Store) PruneToLimit(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE id NOT IN (
		    SELECT id FROM entries ORDER BY last_used_at DESC, created_at DESC LIMIT ?
		 )`, limit)
	if err != nil {
		return 0, err
	}
	// Orphaned outputs go with their entries.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM outputs WHERE entry_id NOT IN (SELECT id FROM entries)`); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) fetchOutputs(ctx context.Context, ids []string) (map[string][]artifact.FileRef, error) {
	out := map[string][]artifact.FileRef{}
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, filename, subfolder, type FROM outputs
		 WHERE entry_id IN (`+placeholders+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var entryID string
		var ref artifact.FileRef
		if err := rows.Scan(&entryID, &ref.Filename, &ref.Subfolder, &ref.Type); err != nil {
			return nil, err
		}
		out[entryID] = append(out[entryID], ref)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var createdAt, lastUsedAt, tags, metadata string
	if err := row.Scan(&e.ID, &createdAt, &lastUsedAt, &e.Prompt, &tags, &metadata); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = parseTime(createdAt)
	e.LastUsedAt = parseTime(lastUsedAt)
	e.Tags = deserializeTags(tags)
	e.Metadata = deserializeMetadata(metadata)
	return e, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// normalizeTags trims, drops blanks and deduplicates while preserving
// order.
func normalizeTags(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func serializeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func deserializeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func serializeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// deserializeMetadata coerces stored metadata into a map; anything
// unparseable yields an empty map, never an error.
func deserializeMetadata(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
