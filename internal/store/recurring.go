package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"swarmengine/internal/domain"
)

const recurringColumns = `id,name,cron_expr,addressee,prompt,repo_url,branch,project_id,enabled,last_run,next_run,created_at,updated_at`

func (s *sqliteStore) CreateRecurring(ctx context.Context, r domain.RecurringTask) (string, error) {
	id := r.ID
	if id == "" {
		id = "rec_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recurring_tasks (id,name,cron_expr,addressee,prompt,repo_url,branch,project_id,enabled,last_run,next_run)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, r.Name, r.CronExpr, r.Addressee, r.Prompt, r.RepoURL, r.Branch, r.ProjectID, r.Enabled, r.LastRun, r.NextRun)
	return id, err
}

func (s *sqliteStore) GetRecurring(ctx context.Context, id string) (domain.RecurringTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks WHERE id=?`, id)
	r, err := scanRecurring(row)
	if err == sql.ErrNoRows {
		return domain.RecurringTask{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRecurring(ctx context.Context) ([]domain.RecurringTask, error) {
	return s.queryRecurring(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks ORDER BY name`)
}

func (s *sqliteStore) UpdateRecurring(ctx context.Context, r domain.RecurringTask) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE recurring_tasks SET name=?,cron_expr=?,addressee=?,prompt=?,repo_url=?,branch=?,project_id=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, r.Name, r.CronExpr, r.Addressee, r.Prompt, r.RepoURL, r.Branch, r.ProjectID, r.Enabled, r.NextRun, r.ID)
	return err
}

func (s *sqliteStore) DeleteRecurring(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_tasks WHERE id=?`, id)
	return err
}

func (s *sqliteStore) ListDueRecurring(ctx context.Context, now time.Time) ([]domain.RecurringTask, error) {
	return s.queryRecurring(ctx, `
SELECT `+recurringColumns+` FROM recurring_tasks WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
}

func (s *sqliteStore) MarkRecurringRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE recurring_tasks SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	return err
}

func (s *sqliteStore) queryRecurring(ctx context.Context, query string, args ...any) ([]domain.RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RecurringTask
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecurring(row rowScanner) (domain.RecurringTask, error) {
	var r domain.RecurringTask
	var repoURL, branch, projectID sql.NullString
	var lastRun sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &r.CronExpr, &r.Addressee, &r.Prompt, &repoURL, &branch,
		&projectID, &r.Enabled, &lastRun, &r.NextRun, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.RecurringTask{}, err
	}
	r.RepoURL = strPtr(repoURL)
	r.Branch = strPtr(branch)
	r.ProjectID = strPtr(projectID)
	r.LastRun = timePtr(lastRun)
	return r, nil
}
