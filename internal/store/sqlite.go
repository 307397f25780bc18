package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pubflow/internal/domain"
)

// ErrNoneDue is returned by LeaseDue when no pending task is ready.
var ErrNoneDue = errors.New("no tasks due")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS publish_tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  video_path TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  tags TEXT NOT NULL DEFAULT '[]',
  platform TEXT NOT NULL,
  account_id INTEGER,
  scheduled_time DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed')) DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  created_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_time ON publish_tasks(status, platform, scheduled_time);
CREATE TABLE IF NOT EXISTS publish_plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  video_path TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  tags TEXT NOT NULL DEFAULT '[]',
  platform TEXT NOT NULL,
  account_id INTEGER,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_plans_next_run ON publish_plans(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Insert(ctx context.Context, t domain.Task) (int64, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	GetPending(ctx context.Context, platform string) ([]domain.Task, error)
	LeaseDue(ctx context.Context, now time.Time) (domain.Task, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errStr string) error
	RecoverStale(ctx context.Context, visibility time.Duration) (int, error)

	// Strict-mode enforcement queries
	CountScheduledBetween(ctx context.Context, platform string, from, to time.Time) (int, error)
	PendingTimes(ctx context.Context, platform string) ([]time.Time, error)

	// Plan operations
	CreatePlan(ctx context.Context, p domain.Plan) (string, error)
	GetPlan(ctx context.Context, id string) (domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	DeletePlan(ctx context.Context, id string) error
	SetPlanEnabled(ctx context.Context, id string, enabled bool) error
	DuePlans(ctx context.Context, now time.Time) ([]domain.Plan, error)
	MarkPlanRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,video_path,title,description,tags,platform,account_id,scheduled_time,status,last_error,created_time,updated_time`

func (r *sqliteRepo) Insert(ctx context.Context, t domain.Task) (int64, error) {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return 0, fmt.Errorf("encode tags: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO publish_tasks (video_path,title,description,tags,platform,account_id,scheduled_time,status,created_time,updated_time)
VALUES (?,?,?,?,?,?,?,'pending',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, t.VideoPath, t.Title, t.Description, string(tags), t.Platform, nullInt(t.AccountID), t.ScheduledTime)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

func (r *sqliteRepo) Get(ctx context.Context, id int64) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM publish_tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *sqliteRepo) GetPending(ctx context.Context, platform string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM publish_tasks WHERE status='pending'`
	args := []any{}
	if platform != "" {
		query += ` AND platform=?`
		args = append(args, platform)
	}
	query += ` ORDER BY scheduled_time ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// LeaseDue claims the earliest pending task whose scheduled time has
// arrived, flipping it to in_progress in the same transaction.
func (r *sqliteRepo) LeaseDue(ctx context.Context, now time.Time) (domain.Task, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM publish_tasks
WHERE status='pending' AND scheduled_time <= ?
ORDER BY scheduled_time ASC
LIMIT 1
`, now)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return domain.Task{}, ErrNoneDue
	}
	if err != nil {
		return domain.Task{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE publish_tasks SET status='in_progress', updated_time=CURRENT_TIMESTAMP WHERE id=?`, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.StatusInProgress
	return t, nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE publish_tasks SET status='completed', updated_time=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) Fail(ctx context.Context, id int64, errStr string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE publish_tasks SET status='failed', last_error=?, updated_time=CURRENT_TIMESTAMP WHERE id=?`, errStr, id)
	return err
}

// RecoverStale returns in_progress rows older than the visibility window to
// pending. Run at startup so a crashed worker doesn't strand tasks.
func (r *sqliteRepo) RecoverStale(ctx context.Context, visibility time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE publish_tasks
SET status='pending', updated_time=CURRENT_TIMESTAMP
WHERE status='in_progress' AND strftime('%s','now') - strftime('%s',updated_time) > ?`, int(visibility.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CountScheduledBetween(ctx context.Context, platform string, from, to time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM publish_tasks
WHERE platform=? AND status='pending' AND scheduled_time >= ? AND scheduled_time < ?`, platform, from, to)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count scheduled: %w", err)
	}
	return n, nil
}

func (r *sqliteRepo) PendingTimes(ctx context.Context, platform string) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT scheduled_time FROM publish_tasks
WHERE platform=? AND status='pending' ORDER BY scheduled_time ASC`, platform)
	if err != nil {
		return nil, fmt.Errorf("query pending times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t       domain.Task
		tags    string
		account sql.NullInt64
		status  string
	)
	err := row.Scan(&t.ID, &t.VideoPath, &t.Title, &t.Description, &tags, &t.Platform,
		&account, &t.ScheduledTime, &status, &t.LastError, &t.CreatedTime, &t.UpdatedTime)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	if account.Valid {
		v := account.Int64
		t.AccountID = &v
	}
	t.Tags = decodeTags(tags)
	return t, nil
}

// decodeTags tolerates malformed rows: a bad tags column degrades to an
// empty list rather than failing the whole query.
func decodeTags(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (r *sqliteRepo) CreatePlan(ctx context.Context, p domain.Plan) (string, error) {
	id := p.ID
	if id == "" {
		id = "pln_" + uuid.NewString()
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO publish_plans (id,name,cron_expr,video_path,title,description,tags,platform,account_id,enabled,last_run,next_run,created_time,updated_time)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, p.Name, p.CronExpr, p.VideoPath, p.Title, p.Description, string(tags), p.Platform, nullInt(p.AccountID), p.Enabled, p.LastRun, p.NextRun)
	if err != nil {
		return "", fmt.Errorf("insert plan: %w", err)
	}
	return id, nil
}

const planColumns = `id,name,cron_expr,video_path,title,description,tags,platform,account_id,enabled,last_run,next_run,created_time,updated_time`

func (r *sqliteRepo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM publish_plans WHERE id=?`, id)
	return scanPlan(row)
}

func (r *sqliteRepo) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+planColumns+` FROM publish_plans ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (r *sqliteRepo) DeletePlan(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM publish_plans WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) SetPlanEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE publish_plans SET enabled=?, updated_time=CURRENT_TIMESTAMP WHERE id=?`, enabled, id)
	return err
}

func (r *sqliteRepo) DuePlans(ctx context.Context, now time.Time) ([]domain.Plan, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+planColumns+` FROM publish_plans WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("query due plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (r *sqliteRepo) MarkPlanRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE publish_plans SET last_run=?, next_run=?, updated_time=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	return err
}

func scanPlan(row rowScanner) (domain.Plan, error) {
	var (
		p       domain.Plan
		tags    string
		account sql.NullInt64
		lastRun sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.CronExpr, &p.VideoPath, &p.Title, &p.Description, &tags,
		&p.Platform, &account, &p.Enabled, &lastRun, &p.NextRun, &p.CreatedTime, &p.UpdatedTime)
	if err != nil {
		return domain.Plan{}, err
	}
	if account.Valid {
		v := account.Int64
		p.AccountID = &v
	}
	if lastRun.Valid {
		t := lastRun.Time
		p.LastRun = &t
	}
	p.Tags = decodeTags(tags)
	return p, nil
}
