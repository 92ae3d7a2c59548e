package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/IvanRicoPrieto/CCRemote/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	plan_mode INTEGER NOT NULL DEFAULT 0,
	auto_accept INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	session_type TEXT NOT NULL,
	cols INTEGER NOT NULL DEFAULT 0,
	rows INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	ended_at TEXT,
	summary TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	var ended any
	if sess.EndedAt != nil {
		ended = ts(*sess.EndedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, project_path, model, plan_mode, auto_accept, state, session_type, cols, rows, created_at, updated_at, ended_at, summary)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	project_path=excluded.project_path,
	model=excluded.model,
	plan_mode=excluded.plan_mode,
	auto_accept=excluded.auto_accept,
	state=excluded.state,
	session_type=excluded.session_type,
	cols=excluded.cols,
	rows=excluded.rows,
	updated_at=excluded.updated_at,
	ended_at=excluded.ended_at,
	summary=excluded.summary
`, sess.ID, sess.ProjectPath, sess.Model, boolToInt(sess.PlanMode), boolToInt(sess.AutoAccept),
		string(sess.State), string(sess.Kind), sess.Cols, sess.Rows,
		ts(sess.CreatedAt), ts(sess.UpdatedAt), ended, sess.Summary)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_path, model, plan_mode, auto_accept, state, session_type, cols, rows, created_at, updated_at, ended_at, summary
FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]model.Session, error) {
	query := `
SELECT id, project_path, model, plan_mode, auto_accept, state, session_type, cols, rows, created_at, updated_at, ended_at, summary
FROM sessions`
	if activeOnly {
		query += ` WHERE ended_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

// MarkEnded records a terminal state. ended_at is set iff it was null so the
// first terminal transition wins.
func (s *Store) MarkEnded(ctx context.Context, id string, state model.SessionState, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET state = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?)
WHERE id = ?`, string(state), ts(at), ts(at), id)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	return nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO config(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		sess       model.Session
		state      string
		kind       string
		planMode   int
		autoAccept int
		createdAt  string
		updatedAt  string
		endedAt    sql.NullString
	)
	err := scanner.Scan(&sess.ID, &sess.ProjectPath, &sess.Model, &planMode, &autoAccept,
		&state, &kind, &sess.Cols, &sess.Rows, &createdAt, &updatedAt, &endedAt, &sess.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.State = model.SessionState(state)
	sess.Kind = model.SessionKind(kind)
	sess.PlanMode = planMode == 1
	sess.AutoAccept = autoAccept == 1
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	if endedAt.Valid {
		t, err := parseTS(endedAt.String)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse session ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return sess, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
