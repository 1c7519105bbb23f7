package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"swarmengine/internal/domain"
	"swarmengine/internal/store"
)

// Service enqueues pending tasks from recurring templates when their cron
// schedule comes due. It runs only on the instance holding the engine
// lock, so due templates are evaluated once per fleet.
type Service struct {
	store    store.Store
	interval time.Duration
}

func NewService(st store.Store, checkInterval time.Duration) *Service {
	return &Service{store: st, interval: checkInterval}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurring task service started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now)
		}
	}
}

// ProcessDue enqueues a task for every due template. A template whose
// addressee is still busy skips this occurrence rather than stacking
// pending tasks behind it.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueRecurring(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due recurring tasks")
		return
	}

	for _, rec := range due {
		if err := s.process(ctx, rec, now); err != nil {
			log.Error().Err(err).Str("recurring_id", rec.ID).Msg("failed to process recurring task")
		}
	}
}

func (s *Service) process(ctx context.Context, rec domain.RecurringTask, now time.Time) error {
	schedule, err := cron.ParseStandard(rec.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", rec.CronExpr).Msg("invalid cron expression")
		return err
	}
	nextRun := schedule.Next(now)

	busy, err := s.store.HasRunningOrPending(ctx, rec.Addressee)
	if err != nil {
		return err
	}
	if busy {
		log.Debug().Str("addressee", rec.Addressee).Str("recurring_id", rec.ID).
			Msg("addressee busy, skipping occurrence")
		return s.store.MarkRecurringRun(ctx, rec.ID, now, nextRun)
	}

	task, err := s.store.CreateTask(ctx, domain.CreateTaskInput{
		Addressee: rec.Addressee,
		Prompt:    rec.Prompt,
		RepoURL:   rec.RepoURL,
		Branch:    rec.Branch,
		CreatedBy: "recurring:" + rec.ID,
		ProjectID: rec.ProjectID,
	})
	if err != nil {
		return err
	}

	if err := s.store.MarkRecurringRun(ctx, rec.ID, now, nextRun); err != nil {
		return err
	}

	log.Info().Str("recurring_id", rec.ID).Str("name", rec.Name).
		Str("task_id", task.ID).Time("next_run", nextRun).Msg("recurring task enqueued")
	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
