package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/vk/stagegrid/internal/run"
)

// Driver names accepted by OpenSQL.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL,
	queued_at   BIGINT NOT NULL,
	finished_at BIGINT NOT NULL,
	data        TEXT NOT NULL
)`

const indexes = `CREATE INDEX IF NOT EXISTS runs_stage_status ON runs (stage, status, finished_at)`

// SQL is a Store backed by a relational database. The full run is kept as a
// JSON document next to the columns used for filtering and ordering.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL connects to the database and creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("runstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; serialize through a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runstore: ping %s: %w", driver, err)
	}

	s := &SQL{db: db, driver: driver}
	for _, stmt := range []string{schema, indexes} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runstore: migrate: %w", err)
		}
	}
	return s, nil
}

// rebind rewrites '?' placeholders into '$n' for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (s *SQL) Create(ctx context.Context, r run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("runstore: encode run %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO runs (id, stage, status, queued_at, finished_at, data) VALUES (?, ?, ?, ?, ?, ?)`),
		r.ID, r.Stage, string(r.Status), unixNano(r.QueuedAt), unixNano(r.FinishedAt), string(data),
	)
	if err != nil {
		return fmt.Errorf("runstore: create run %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, r run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("runstore: encode run %s: %w", r.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runs SET status = ?, finished_at = ?, data = ? WHERE id = ?`),
		string(r.Status), unixNano(r.FinishedAt), string(data), r.ID,
	)
	if err != nil {
		return fmt.Errorf("runstore: update run %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstore: update run %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("runstore: update run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (run.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM runs WHERE id = ?`), id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run.Run{}, fmt.Errorf("runstore: get run %s: %w", id, ErrNotFound)
		}
		return run.Run{}, fmt.Errorf("runstore: get run %s: %w", id, err)
	}
	return decode(data)
}

func (s *SQL) List(ctx context.Context, f Filter) ([]run.Run, error) {
	query := `SELECT data FROM runs`
	var (
		where []string
		args  []any
	)
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY queued_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer rows.Close()

	var out []run.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("runstore: list runs: %w", err)
		}
		r, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	return out, nil
}

func (s *SQL) LastSuccessful(ctx context.Context, stageID string) (run.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT data FROM runs WHERE stage = ? AND status = ? ORDER BY finished_at DESC LIMIT 1`),
		stageID, string(run.Succeeded),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run.Run{}, fmt.Errorf("runstore: last successful run of %s: %w", stageID, ErrNotFound)
		}
		return run.Run{}, fmt.Errorf("runstore: last successful run of %s: %w", stageID, err)
	}
	return decode(data)
}

func (s *SQL) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE id IN (`+strings.Join(marks, ", ")+`)`), args...)
	if err != nil {
		return fmt.Errorf("runstore: delete runs: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func decode(data string) (run.Run, error) {
	var r run.Run
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return run.Run{}, fmt.Errorf("runstore: decode run: %w", err)
	}
	return r, nil
}
