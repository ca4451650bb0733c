package storage

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

	_ "modernc.org/sqlite"

	"gridq/internal/queue"
	logx "gridq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) JobsStartID(q string) (uint32, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var id uint32
	err := s.db.QueryRow(`SELECT start_id FROM queue_meta WHERE queue = ?`, q).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) SetJobsStartID(q string, id uint32) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.Exec(
		`INSERT INTO queue_meta(queue, start_id) VALUES(?,?)
		 ON CONFLICT(queue) DO UPDATE SET start_id=excluded.start_id`,
		q, id,
	)
	return err
}

// WriteJobs replaces the queue's job dump wholesale. Dumps happen on
// shutdown, so one transaction for the whole set is fine.
func (s *sqliteStore) WriteJobs(q string, jobs []queue.JobDump) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM jobs WHERE queue = ?`, q); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO jobs(queue, id, data) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range jobs {
		data, err := json.Marshal(&jobs[i])
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(q, jobs[i].ID, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ReadJobs(q string) ([]queue.JobDump, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.Query(`SELECT data FROM jobs WHERE queue = ? ORDER BY id`, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.JobDump
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d queue.JobDump
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) WriteTokens(q, kind string, entries []queue.TokenEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM tokens WHERE queue = ? AND kind = ?`, q, kind); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO tokens(queue, kind, id, token) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(q, kind, e.ID, e.Token); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ReadTokens(q, kind string) ([]queue.TokenEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.Query(`SELECT id, token FROM tokens WHERE queue = ? AND kind = ? ORDER BY id`, q, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.TokenEntry
	for rows.Next() {
		var e queue.TokenEntry
		if err := rows.Scan(&e.ID, &e.Token); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
