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
	"time"

	_ "modernc.org/sqlite"

	"quizbot/internal/apperr"
	"quizbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store at cfg.Path and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

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

// ---- jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(id, destination, kind, question, options, correct_idx, fire_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Destination, j.Kind, j.Question, string(opts), j.CorrectIdx,
		j.FireAt.UnixMilli(), string(j.Status), j.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) JobByID(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, destination, kind, question, options, correct_idx, fire_at, status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) SetJobStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetJobFireAt(ctx context.Context, id string, fireAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET fire_at = ? WHERE id = ? AND status = ?`,
		fireAt.UnixMilli(), id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) CancelPending(ctx context.Context, destinations []string) ([]string, error) {
	if len(destinations) == 0 {
		return nil, nil
	}
	ph := placeholders(len(destinations))
	args := make([]any, 0, len(destinations)+1)
	args = append(args, string(StatusPending))
	for _, d := range destinations {
		args = append(args, d)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM scheduled_jobs WHERE status = ? AND destination IN (`+ph+`)`, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cargs := make([]any, 0, len(destinations)+2)
	cargs = append(cargs, string(StatusCancelled), string(StatusPending))
	for _, d := range destinations {
		cargs = append(cargs, d)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = ? WHERE status = ? AND destination IN (`+ph+`)`, cargs...)
	return ids, err
}

func (s *sqliteStore) PendingJobs(ctx context.Context, destination string) ([]Job, error) {
	q := `SELECT id, destination, kind, question, options, correct_idx, fire_at, status, created_at
	      FROM scheduled_jobs WHERE status = ?`
	args := []any{string(StatusPending)}
	if destination != "" {
		q += ` AND destination = ?`
		args = append(args, destination)
	}
	q += ` ORDER BY fire_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) FailPendingBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = ? WHERE status = ? AND fire_at <= ?`,
		string(StatusFailed), string(StatusPending), t.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountPendingInRange(ctx context.Context, destination string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_jobs
		 WHERE status = ? AND destination = ? AND fire_at >= ? AND fire_at < ?`,
		string(StatusPending), destination, from.UnixMilli(), to.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// ---- outcomes ----

func (s *sqliteStore) AddOutcome(ctx context.Context, o Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(user_id, username, first_name, destination, campaign_id, option_idx, points, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.UserID, nullStr(o.Username), nullStr(o.FirstName), o.Destination,
		o.CampaignID, o.OptionIdx, o.Points, o.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) OutcomeDestinations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT destination FROM outcomes WHERE destination != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

func (s *sqliteStore) TopScorers(ctx context.Context, destination string, from, to time.Time, limit int) ([]Score, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(first_name, ''), COALESCE(username, ''), SUM(points) AS total
		 FROM outcomes
		 WHERE destination = ? AND created_at >= ? AND created_at < ?
		 GROUP BY user_id
		 ORDER BY total DESC
		 LIMIT ?`,
		destination, from.UnixMilli(), to.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []Score
	for rows.Next() {
		var sc Score
		if err := rows.Scan(&sc.UserID, &sc.FirstName, &sc.Username, &sc.Points); err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j       Job
		opts    string
		status  string
		fireAt  int64
		created int64
	)
	if err := r.Scan(&j.ID, &j.Destination, &j.Kind, &j.Question, &opts,
		&j.CorrectIdx, &fireAt, &status, &created); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return Job{}, fmt.Errorf("job %s: decode options: %w", j.ID, err)
	}
	j.FireAt = time.UnixMilli(fireAt)
	j.Status = Status(status)
	j.CreatedAt = time.UnixMilli(created)
	return j, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
