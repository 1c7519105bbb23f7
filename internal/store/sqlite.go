package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"swarmengine/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  addressee TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')) DEFAULT 'pending',
  prompt TEXT NOT NULL,
  repo_url TEXT,
  branch TEXT,
  created_by TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  started_at DATETIME,
  completed_at DATETIME,
  result TEXT,
  worker_pod TEXT,
  project_id TEXT,
  triggered_by_task_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_addressee ON tasks(addressee, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_running ON tasks(addressee) WHERE status='running';
CREATE TABLE IF NOT EXISTS task_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  content TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE TABLE IF NOT EXISTS projects (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  repo_url TEXT NOT NULL,
  default_branch TEXT NOT NULL DEFAULT 'main',
  integration_branch TEXT,
  status TEXT NOT NULL CHECK(status IN ('active','paused')) DEFAULT 'active',
  last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  total_tasks INTEGER NOT NULL DEFAULT 0,
  completed_tasks INTEGER NOT NULL DEFAULT 0,
  failed_tasks INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS engine_lock (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  holder_id TEXT,
  acquired_at DATETIME,
  last_heartbeat DATETIME
);
INSERT OR IGNORE INTO engine_lock (id) VALUES (1);
CREATE TABLE IF NOT EXISTS recurring_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  addressee TEXT NOT NULL,
  prompt TEXT NOT NULL,
  repo_url TEXT,
  branch TEXT,
  project_id TEXT,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_recurring_next_run ON recurring_tasks(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the engine's view of the task database. All state transitions
// go through the conditional-update primitives Claim, Complete and Fail;
// multiple engine replicas may race on the same rows and resolve the race
// here, not at the lock.
type Store interface {
	CreateTask(ctx context.Context, in domain.CreateTaskInput) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListPendingOnePerAddressee(ctx context.Context) ([]domain.Task, error)
	ListRunning(ctx context.Context) ([]domain.Task, error)
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
	CountRunning(ctx context.Context) (int, error)
	HasRunning(ctx context.Context, addressee string) (bool, error)
	HasRunningOrPending(ctx context.Context, addressee string) (bool, error)
	Claim(ctx context.Context, taskID, workerRef string) (*domain.Task, error)
	Complete(ctx context.Context, taskID string, result domain.TaskResult) (bool, error)
	Fail(ctx context.Context, taskID string, result domain.TaskResult) (bool, error)
	SaveLog(ctx context.Context, taskID, content string) error

	GetProject(ctx context.Context, id string) (domain.Project, error)
	CreateProject(ctx context.Context, p domain.Project) (string, error)
	SetProjectStatus(ctx context.Context, id string, status domain.ProjectStatus) error
	IncrementProjectStats(ctx context.Context, projectID string, success bool) error

	GetLock(ctx context.Context) (holder *string, lastHeartbeat *time.Time, err error)
	TryAcquireLock(ctx context.Context, holderID string, prevHolder *string) (bool, error)
	HeartbeatLock(ctx context.Context, holderID string) (bool, error)
	ReleaseLock(ctx context.Context, holderID string) error

	CreateRecurring(ctx context.Context, r domain.RecurringTask) (string, error)
	GetRecurring(ctx context.Context, id string) (domain.RecurringTask, error)
	ListRecurring(ctx context.Context) ([]domain.RecurringTask, error)
	UpdateRecurring(ctx context.Context, r domain.RecurringTask) error
	DeleteRecurring(ctx context.Context, id string) error
	ListDueRecurring(ctx context.Context, now time.Time) ([]domain.RecurringTask, error)
	MarkRecurringRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const taskColumns = `id,addressee,status,prompt,repo_url,branch,created_by,created_at,started_at,completed_at,result,worker_pod,project_id,triggered_by_task_id`

func (s *sqliteStore) CreateTask(ctx context.Context, in domain.CreateTaskInput) (domain.Task, error) {
	id := "tsk_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,addressee,status,prompt,repo_url,branch,created_by,project_id,triggered_by_task_id,created_at)
VALUES (?,?,'pending',?,?,?,?,?,?,CURRENT_TIMESTAMP)
`, id, in.Addressee, in.Prompt, in.RepoURL, in.Branch, nullIfEmpty(in.CreatedBy), in.ProjectID, in.TriggeredByTaskID)
	if err != nil {
		return domain.Task{}, err
	}
	return s.GetTask(ctx, id)
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// ListPendingOnePerAddressee returns the oldest pending task per distinct
// addressee, oldest first. The dedupe happens over an ordered scan so ties
// on created_at resolve deterministically by insertion order.
func (s *sqliteStore) ListPendingOnePerAddressee(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE status='pending' ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if seen[t.Addressee] {
			continue
		}
		seen[t.Addressee] = true
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) ListRunning(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='running' ORDER BY started_at ASC`)
}

func (s *sqliteStore) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at DESC LIMIT ?`, status, limit)
}

func (s *sqliteStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status='running'`).Scan(&n)
	return n, err
}

func (s *sqliteStore) HasRunning(ctx context.Context, addressee string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE addressee=? AND status='running'`, addressee).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) HasRunningOrPending(ctx context.Context, addressee string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE addressee=? AND status IN ('pending','running')`, addressee).Scan(&n)
	return n > 0, err
}

// Claim transitions a task pending->running, recording the job reference.
// The WHERE status='pending' condition makes this a compare-and-swap:
// losing a race to a peer instance returns (nil, nil), not an error.
func (s *sqliteStore) Claim(ctx context.Context, taskID, workerRef string) (*domain.Task, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status='running', started_at=CURRENT_TIMESTAMP, worker_pod=?
WHERE id=? AND status='pending'`, workerRef, taskID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Complete transitions running->completed. Returns false if the task was
// already terminal; the result is never overwritten in that case.
func (s *sqliteStore) Complete(ctx context.Context, taskID string, result domain.TaskResult) (bool, error) {
	return s.finish(ctx, taskID, domain.StatusCompleted, result)
}

// Fail transitions running->failed with the same no-overwrite guarantee.
func (s *sqliteStore) Fail(ctx context.Context, taskID string, result domain.TaskResult) (bool, error) {
	return s.finish(ctx, taskID, domain.StatusFailed, result)
}

func (s *sqliteStore) finish(ctx context.Context, taskID string, status domain.TaskStatus, result domain.TaskResult) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status=?, completed_at=CURRENT_TIMESTAMP, result=?
WHERE id=? AND status='running'`, status, string(payload), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SaveLog(ctx context.Context, taskID, content string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_logs (task_id, content, size_bytes) VALUES (?,?,?)`,
		taskID, content, len(content))
	return err
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var repoURL, branch, createdBy, result, workerPod, projectID, triggeredBy sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Addressee, &t.Status, &t.Prompt, &repoURL, &branch, &createdBy,
		&t.CreatedAt, &startedAt, &completedAt, &result, &workerPod, &projectID, &triggeredBy)
	if err != nil {
		return domain.Task{}, err
	}
	t.RepoURL = strPtr(repoURL)
	t.Branch = strPtr(branch)
	t.CreatedBy = strPtr(createdBy)
	t.WorkerPod = strPtr(workerPod)
	t.ProjectID = strPtr(projectID)
	t.TriggeredByTaskID = strPtr(triggeredBy)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	if result.Valid && result.String != "" {
		var r domain.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err == nil {
			t.Result = &r
		}
	}
	return t, nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
