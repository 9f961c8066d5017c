package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"homie/pkg/model"
)

// SQLite 本地任务历史
type SQLite struct {
	db *sql.DB
}

var _ History = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// daemon 和 CLI 可能同时写
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT NOT NULL,
	role       TEXT NOT NULL,
	peer       TEXT NOT NULL,
	filename   TEXT NOT NULL,
	args_json  TEXT NOT NULL,
	image      TEXT NOT NULL DEFAULT '',
	state      INTEGER NOT NULL,
	exit_code  INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	files      INTEGER NOT NULL DEFAULT 0,
	start_time INTEGER NOT NULL,
	end_time   INTEGER NOT NULL,
	PRIMARY KEY (id, role)
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Record(ctx context.Context, rec *model.JobRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, role, peer, filename, args_json, image, state, exit_code, error, files, start_time, end_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id, role) DO UPDATE SET
	peer = excluded.peer,
	filename = excluded.filename,
	args_json = excluded.args_json,
	image = excluded.image,
	state = excluded.state,
	exit_code = excluded.exit_code,
	error = excluded.error,
	files = excluded.files,
	start_time = excluded.start_time,
	end_time = excluded.end_time`,
		rec.ID, rec.Role, rec.Peer, rec.Filename, string(args), rec.Image,
		int(rec.State), rec.ExitCode, rec.Error, rec.Files,
		rec.StartTime.UnixMilli(), rec.EndTime.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", rec.ID, err)
	}
	return nil
}

const selectJobs = `SELECT id, role, peer, filename, args_json, image, state, exit_code, error, files, start_time, end_time FROM jobs`

func (s *SQLite) List(ctx context.Context, limit int) ([]model.JobRecord, error) {
	query := selectJobs + ` ORDER BY start_time DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]model.JobRecord, 0)
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, id, role string) (*model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+` WHERE id = ? AND role = ?`, id, role)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s (%s): %w", id, role, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*model.JobRecord, error) {
	var (
		rec          model.JobRecord
		argsJSON     string
		state        int
		start, endTS int64
	)
	err := sc.Scan(&rec.ID, &rec.Role, &rec.Peer, &rec.Filename, &argsJSON, &rec.Image,
		&state, &rec.ExitCode, &rec.Error, &rec.Files, &start, &endTS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan history row: %w", err)
	}
	if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
		return nil, fmt.Errorf("decode args of job %s: %w", rec.ID, err)
	}
	rec.State = model.JobState(state)
	rec.StartTime = time.UnixMilli(start)
	rec.EndTime = time.UnixMilli(endTS)
	return &rec, nil
}
