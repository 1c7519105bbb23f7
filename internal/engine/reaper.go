package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"swarmengine/internal/config"
	"swarmengine/internal/domain"
	"swarmengine/internal/k8s"
	"swarmengine/internal/store"
)

// Notifier receives terminal task outcomes, best-effort. Satisfied by
// *webhook.Slack; nil disables notifications.
type Notifier interface {
	NotifyResult(task domain.Task, result domain.TaskResult)
}

// Reaper detects terminal outcomes of running tasks and persists them.
// Side effects (log save, stats, supervisor trigger, notification) run
// only for outcomes the orchestrator reported, and only on the instance
// that wins the terminal compare-and-swap; engine-side verdicts (missing
// worker reference, timeout, disappeared job) fail the task bare.
type Reaper struct {
	store    store.Store
	runtime  JobRuntime
	cfg      config.Config
	notifier Notifier
}

func NewReaper(st store.Store, rt JobRuntime, cfg config.Config, n Notifier) *Reaper {
	return &Reaper{store: st, runtime: rt, cfg: cfg, notifier: n}
}

// ReapRunning inspects every running task once. Per-task outcomes are
// independent; an error on one task does not block the rest.
func (r *Reaper) ReapRunning(ctx context.Context) error {
	running, err := r.store.ListRunning(ctx)
	if err != nil {
		return err
	}

	for _, task := range running {
		if err := r.reapOne(ctx, task); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("reap failed")
		}
	}
	return nil
}

func (r *Reaper) reapOne(ctx context.Context, task domain.Task) error {
	if task.WorkerPod == nil {
		log.Warn().Str("task_id", task.ID).Msg("running task has no worker reference")
		_, err := r.store.Fail(ctx, task.ID, domain.TaskResult{
			Success: false,
			Summary: "No worker reference assigned",
		})
		return err
	}
	jobName := *task.WorkerPod

	// Timeout takes priority over live status. Like the other engine-side
	// failure verdicts below, this is a bare state transition: stats,
	// notification and the supervisor trigger are reserved for outcomes
	// the orchestrator reported.
	if r.timedOut(task) {
		log.Warn().Str("task_id", task.ID).Dur("timeout", r.cfg.JobTimeout).Msg("task timed out")
		if err := r.runtime.DeleteJob(ctx, jobName); err != nil {
			return err
		}
		_, err := r.store.Fail(ctx, task.ID, domain.TaskResult{
			Success: false,
			Summary: fmt.Sprintf("Timeout after %d minutes", int(r.cfg.JobTimeout.Minutes())),
		})
		return err
	}

	status, err := r.runtime.GetJobStatus(ctx, jobName)
	if err != nil {
		return err
	}

	switch {
	case !status.Exists:
		// Manual deletion or orchestrator TTL cleanup raced ahead of us.
		log.Warn().Str("job", jobName).Str("task_id", task.ID).Msg("job no longer exists")
		_, err := r.store.Fail(ctx, task.ID, domain.TaskResult{
			Success: false,
			Summary: "Job disappeared unexpectedly",
		})
		return err

	case status.Succeeded:
		logs, err := r.runtime.JobLogs(ctx, jobName)
		if err != nil {
			return err
		}
		result := k8s.ParseResult(logs)
		return r.handleCompletion(ctx, task, result, logs)

	case status.Failed:
		logs, err := r.runtime.JobLogs(ctx, jobName)
		if err != nil {
			return err
		}
		result := k8s.ParseResult(logs)
		// Whatever the parser inferred, a failed job is a failed task.
		result.Success = false
		return r.handleFailure(ctx, task, result, logs)

	default:
		log.Debug().Str("task_id", task.ID).Msg("task still running")
		return nil
	}
}

func (r *Reaper) timedOut(task domain.Task) bool {
	if task.StartedAt == nil {
		return false
	}
	return time.Since(*task.StartedAt) > r.cfg.JobTimeout
}

func (r *Reaper) handleCompletion(ctx context.Context, task domain.Task, result domain.TaskResult, logs string) error {
	updated, err := r.store.Complete(ctx, task.ID, result)
	if err != nil {
		return err
	}
	if !updated {
		log.Debug().Str("task_id", task.ID).Msg("task already processed by another instance")
		return nil
	}
	log.Info().Str("task_id", task.ID).Msg("task completed")
	return r.afterTerminal(ctx, task, result, logs)
}

func (r *Reaper) handleFailure(ctx context.Context, task domain.Task, result domain.TaskResult, logs string) error {
	updated, err := r.store.Fail(ctx, task.ID, result)
	if err != nil {
		return err
	}
	if !updated {
		log.Debug().Str("task_id", task.ID).Msg("task already processed by another instance")
		return nil
	}
	log.Warn().Str("task_id", task.ID).Str("summary", result.Summary).Msg("task failed")
	return r.afterTerminal(ctx, task, result, logs)
}

// afterTerminal runs the side effects reserved for the winner of the
// terminal transition.
func (r *Reaper) afterTerminal(ctx context.Context, task domain.Task, result domain.TaskResult, logs string) error {
	if logs != "" {
		if err := r.store.SaveLog(ctx, task.ID, logs); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to save task logs")
		}
	}

	if task.ProjectID != nil {
		if err := r.store.IncrementProjectStats(ctx, *task.ProjectID, result.Success); err != nil {
			log.Error().Err(err).Str("project_id", *task.ProjectID).Msg("failed to update project stats")
		}
	}

	if r.notifier != nil {
		r.notifier.NotifyResult(task, result)
	}

	// Reload so the trigger sees the result we just persisted.
	terminal, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	return r.triggerSupervisor(ctx, terminal)
}

// triggerSupervisor enqueues a wakeup task for the project's supervisor
// lane after a worker task finishes. Gates, in order: the task belongs to
// a project, it came from a worker lane (supervisor completions must not
// retrigger themselves), the supervisor lane is idle, and the project is
// not paused.
func (r *Reaper) triggerSupervisor(ctx context.Context, task domain.Task) error {
	if task.ProjectID == nil {
		log.Debug().Str("task_id", task.ID).Msg("no project, skipping supervisor trigger")
		return nil
	}
	if !strings.HasPrefix(task.Addressee, "worker-") {
		log.Debug().Str("task_id", task.ID).Msg("not a worker task, skipping supervisor trigger")
		return nil
	}

	supervisor := "supervisor-" + *task.ProjectID

	busy, err := r.store.HasRunningOrPending(ctx, supervisor)
	if err != nil {
		return err
	}
	if busy {
		log.Debug().Str("addressee", supervisor).Msg("supervisor already queued")
		return nil
	}

	project, err := r.store.GetProject(ctx, *task.ProjectID)
	if err == store.ErrNotFound {
		log.Warn().Str("project_id", *task.ProjectID).Msg("project not found, skipping supervisor trigger")
		return nil
	}
	if err != nil {
		return err
	}
	if project.Status == domain.ProjectPaused {
		log.Debug().Str("project_id", project.ID).Msg("project paused, skipping supervisor trigger")
		return nil
	}

	branch := project.DefaultBranch
	if project.IntegrationBranch != nil {
		branch = *project.IntegrationBranch
	}

	_, err = r.store.CreateTask(ctx, domain.CreateTaskInput{
		Addressee:         supervisor,
		Prompt:            supervisorWakeupPrompt(task),
		RepoURL:           &project.RepoURL,
		Branch:            &branch,
		CreatedBy:         "swarmengine",
		ProjectID:         task.ProjectID,
		TriggeredByTaskID: &task.ID,
	})
	if err != nil {
		return err
	}
	log.Info().Str("project_id", project.ID).Msg("supervisor triggered")
	return nil
}

// supervisorWakeupPrompt synthesizes the context the supervisor agent
// wakes up with. Opaque to the engine beyond being a string.
func supervisorWakeupPrompt(task domain.Task) string {
	result := domain.TaskResult{Success: false, Summary: ""}
	if task.Result != nil {
		result = *task.Result
	}

	outcome := "FAILED"
	if result.Success {
		outcome = "SUCCEEDED"
	}

	var b strings.Builder
	b.WriteString("SUPERVISOR_WAKEUP: a worker task has finished.\n\n")
	b.WriteString("## Finished task\n\n")
	fmt.Fprintf(&b, "- Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "- Addressee: %s\n", task.Addressee)
	fmt.Fprintf(&b, "- Outcome: %s\n", outcome)
	if result.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", result.Branch)
	} else if task.Branch != nil {
		fmt.Fprintf(&b, "- Branch: %s\n", *task.Branch)
	}
	if result.DurationMS > 0 {
		fmt.Fprintf(&b, "- Duration: %ds\n", result.DurationMS/1000)
	}
	b.WriteString("\n## Task result\n\n")
	if result.Summary != "" {
		b.WriteString(result.Summary)
	} else {
		b.WriteString("No summary available.")
	}
	b.WriteString("\n\n## Your job\n\n")
	b.WriteString("1. Read the current plan from the project plan file\n")
	b.WriteString("2. Review the result above\n")
	b.WriteString("3. Decide the next action and create the next worker task\n")
	b.WriteString("4. Update the plan accordingly\n")
	return b.String()
}
