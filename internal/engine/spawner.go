package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"swarmengine/internal/config"
	"swarmengine/internal/domain"
	"swarmengine/internal/k8s"
	"swarmengine/internal/store"
)

// JobRuntime is the orchestrator surface the engine needs: create, poll,
// delete, and read logs of a named job. Satisfied by *k8s.Runtime.
type JobRuntime interface {
	CreateJob(ctx context.Context, task domain.Task, jobName string) error
	GetJobStatus(ctx context.Context, jobName string) (domain.JobStatus, error)
	DeleteJob(ctx context.Context, jobName string) error
	JobLogs(ctx context.Context, jobName string) (string, error)
}

// Spawner turns pending tasks into running jobs under the global and
// per-addressee concurrency caps.
type Spawner struct {
	store   store.Store
	runtime JobRuntime
	cfg     config.Config
}

func NewSpawner(st store.Store, rt JobRuntime, cfg config.Config) *Spawner {
	return &Spawner{store: st, runtime: rt, cfg: cfg}
}

// SpawnPending claims and launches jobs for eligible pending tasks,
// oldest-created first, one per addressee, until the free slots under
// MaxParallelJobs are used up.
func (s *Spawner) SpawnPending(ctx context.Context) error {
	running, err := s.store.CountRunning(ctx)
	if err != nil {
		return err
	}
	if running >= s.cfg.MaxParallelJobs {
		log.Debug().Int("running", running).Int("max", s.cfg.MaxParallelJobs).
			Msg("max parallel jobs reached, skipping spawn")
		return nil
	}
	availableSlots := s.cfg.MaxParallelJobs - running

	pending, err := s.store.ListPendingOnePerAddressee(ctx)
	if err != nil {
		return err
	}

	spawned := 0
	for _, task := range pending {
		if spawned >= availableSlots {
			log.Debug().Int("slots", availableSlots).Msg("available slots exhausted")
			break
		}

		// The listing may be stale by the time we get here.
		hasRunning, err := s.store.HasRunning(ctx, task.Addressee)
		if err != nil {
			return err
		}
		if hasRunning {
			log.Debug().Str("addressee", task.Addressee).Msg("addressee already has running task")
			continue
		}

		jobName := k8s.JobName(task)

		claimed, err := s.store.Claim(ctx, task.ID, jobName)
		if err != nil {
			return err
		}
		if claimed == nil {
			// Lost the race to a peer instance.
			log.Debug().Str("task_id", task.ID).Msg("task claimed by another instance")
			continue
		}

		if err := s.runtime.CreateJob(ctx, *claimed, jobName); err != nil {
			// The claim must not be left stranded as running with no
			// backing job.
			s.compensate(ctx, task.ID, err)
			continue
		}

		log.Info().Str("job", jobName).Str("task_id", task.ID).
			Str("addressee", task.Addressee).Msg("spawned job")
		spawned++
	}

	if spawned > 0 {
		log.Info().Int("spawned", spawned).Msg("spawn pass complete")
	}
	return nil
}

// compensate fails a claimed task whose job creation failed and records
// the error as a log entry.
func (s *Spawner) compensate(ctx context.Context, taskID string, cause error) {
	log.Error().Err(cause).Str("task_id", taskID).Msg("job creation failed, failing task")

	if _, err := s.store.Fail(ctx, taskID, domain.TaskResult{
		Success: false,
		Summary: "Failed to create job: " + cause.Error(),
	}); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("compensating fail did not apply")
		return
	}

	entry, _ := json.Marshal(map[string]string{
		"type":      "spawn_error",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"error":     cause.Error(),
	})
	if err := s.store.SaveLog(ctx, taskID, string(entry)); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to save spawn error log")
	}
}
