package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteStore persists snapshots in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("checkpoint: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}
	// A single writer keeps WAL contention away.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("checkpoint: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			node       TEXT NOT NULL,
			turn       INTEGER NOT NULL DEFAULT 0,
			done       INTEGER NOT NULL DEFAULT 0,
			data       BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, session_id, node, turn, done, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.Node, snap.Turn, boolToInt(snap.Done), snap.Data,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, node, turn, done, data, created_at
		 FROM snapshots WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: load %s: %w", sessionID, err)
	}
	return snap, nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, node, turn, done, data, created_at
		 FROM snapshots WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: history %s: %w", sessionID, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: history %s: %w", sessionID, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.node, s.turn, s.done, s.created_at, c.steps
		FROM snapshots s
		JOIN (SELECT session_id, MAX(seq) AS last_seq, COUNT(*) AS steps
		      FROM snapshots GROUP BY session_id) c
		  ON s.seq = c.last_seq
		ORDER BY s.seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			done    int
			created string
		)
		if err := rows.Scan(&info.SessionID, &info.Node, &info.Turn, &done, &created, &info.Steps); err != nil {
			return nil, fmt.Errorf("checkpoint: list: %w", err)
		}
		info.Done = done != 0
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var (
		snap    Snapshot
		done    int
		created string
	)
	if err := row.Scan(&snap.ID, &snap.SessionID, &snap.Node, &snap.Turn, &done, &snap.Data, &created); err != nil {
		return Snapshot{}, err
	}
	snap.Done = done != 0
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse created_at: %w", err)
	}
	snap.CreatedAt = t
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
