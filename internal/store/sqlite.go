package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/studyloop/pulse/pkg/models"
)

// NewSQLiteStores opens the database at path and prepares the schema.
// Pass ":memory:" for an ephemeral database.
func NewSQLiteStores(path string) (StoreSet, error) {
	if strings.TrimSpace(path) == "" {
		return StoreSet{}, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under concurrent enqueues.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}

	return StoreSet{
		Offline:     &sqliteOfflineQueue{db: db},
		Preferences: &sqlitePreferenceStore{db: db},
		closer:      db.Close,
	}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
			id TEXT PRIMARY KEY,
			envelope TEXT NOT NULL,
			priority TEXT NOT NULL,
			enqueued_at TIMESTAMP NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_enqueued ON offline_queue(enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			identity TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

type sqliteOfflineQueue struct {
	db *sql.DB
}

func (q *sqliteOfflineQueue) Enqueue(ctx context.Context, entry *OfflineEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("entry is required")
	}
	envelope, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO offline_queue (id, envelope, priority, enqueued_at, attempts)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID,
		string(envelope),
		string(entry.Priority),
		entry.EnqueuedAt.UTC(),
		entry.Attempts,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("enqueue entry: %w", err)
	}
	return nil
}

func (q *sqliteOfflineQueue) Pending(ctx context.Context) ([]*OfflineEntry, error) {
	// Unknown priorities rank as normal, matching models.Priority.Rank.
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, envelope, priority, enqueued_at, attempts
		 FROM offline_queue
		 ORDER BY CASE priority
			WHEN 'urgent' THEN 3
			WHEN 'high' THEN 2
			WHEN 'low' THEN 0
			ELSE 1
		 END DESC, enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	entries := []*OfflineEntry{}
	for rows.Next() {
		var entry OfflineEntry
		var envelope string
		var priority string
		if err := rows.Scan(&entry.ID, &envelope, &priority, &entry.EnqueuedAt, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(envelope), &entry.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		entry.Priority = models.Priority(priority)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return entries, nil
}

func (q *sqliteOfflineQueue) MarkAttempt(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, ErrNotFound
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE offline_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("mark attempt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark attempt rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrNotFound
	}
	var attempts int
	if err := q.db.QueryRowContext(ctx,
		`SELECT attempts FROM offline_queue WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

func (q *sqliteOfflineQueue) Remove(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove entry rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *sqliteOfflineQueue) Len(ctx context.Context) (int, error) {
	var total int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM offline_queue`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return total, nil
}

type sqlitePreferenceStore struct {
	db *sql.DB
}

func (s *sqlitePreferenceStore) Get(ctx context.Context, identity string) (*models.Preference, error) {
	if identity == "" {
		return nil, ErrNotFound
	}
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM preferences WHERE identity = ?`, identity).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	var pref models.Preference
	if err := json.Unmarshal([]byte(doc), &pref); err != nil {
		return nil, fmt.Errorf("unmarshal preference: %w", err)
	}
	return &pref, nil
}

func (s *sqlitePreferenceStore) Put(ctx context.Context, pref *models.Preference) error {
	if pref == nil || pref.Identity == "" {
		return fmt.Errorf("preference identity is required")
	}
	doc, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("marshal preference: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences (identity, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		pref.Identity,
		string(doc),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put preference: %w", err)
	}
	return nil
}

func (s *sqlitePreferenceStore) Replace(ctx context.Context, prefs []*models.Preference) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM preferences`); err != nil {
		return fmt.Errorf("clear preferences: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO preferences (identity, doc, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, pref := range prefs {
		if pref == nil || pref.Identity == "" {
			return fmt.Errorf("preference identity is required")
		}
		doc, err := json.Marshal(pref)
		if err != nil {
			return fmt.Errorf("marshal preference: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, pref.Identity, string(doc), now); err != nil {
			return fmt.Errorf("insert preference: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqlitePreferenceStore) All(ctx context.Context) ([]*models.Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM preferences ORDER BY identity ASC`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	prefs := []*models.Preference{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		var pref models.Preference
		if err := json.Unmarshal([]byte(doc), &pref); err != nil {
			return nil, fmt.Errorf("unmarshal preference: %w", err)
		}
		prefs = append(prefs, &pref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	return prefs, nil
}
