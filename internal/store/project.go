package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"swarmengine/internal/domain"
)

const projectColumns = `id,name,repo_url,default_branch,integration_branch,status,last_activity,created_at,total_tasks,completed_tasks,failed_tasks`

func (s *sqliteStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	var p domain.Project
	var integration sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &integration, &p.Status,
		&p.LastActivity, &p.CreatedAt, &p.TotalTasks, &p.CompletedTasks, &p.FailedTasks)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	p.IntegrationBranch = strPtr(integration)
	return p, nil
}

func (s *sqliteStore) CreateProject(ctx context.Context, p domain.Project) (string, error) {
	id := p.ID
	if id == "" {
		id = "prj_" + uuid.NewString()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.Status == "" {
		p.Status = domain.ProjectActive
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects (id,name,repo_url,default_branch,integration_branch,status)
VALUES (?,?,?,?,?,?)`, id, p.Name, p.RepoURL, p.DefaultBranch, p.IntegrationBranch, p.Status)
	return id, err
}

func (s *sqliteStore) SetProjectStatus(ctx context.Context, id string, status domain.ProjectStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE projects SET status=?, last_activity=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementProjectStats bumps the aggregate counters in a single UPDATE so
// concurrent completions for the same project never lose increments.
func (s *sqliteStore) IncrementProjectStats(ctx context.Context, projectID string, success bool) error {
	completed, failed := 0, 1
	if success {
		completed, failed = 1, 0
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE projects SET total_tasks = total_tasks + 1,
  completed_tasks = completed_tasks + ?,
  failed_tasks = failed_tasks + ?,
  last_activity = CURRENT_TIMESTAMP
WHERE id=?`, completed, failed, projectID)
	return err
}
