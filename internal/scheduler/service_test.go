package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"swarmengine/internal/domain"
	"swarmengine/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store.NewSQLiteStore(db)
}

func createRecurring(t *testing.T, st store.Store, name, addressee string, nextRun time.Time) string {
	t.Helper()
	id, err := st.CreateRecurring(context.Background(), domain.RecurringTask{
		Name:      name,
		CronExpr:  "0 * * * *",
		Addressee: addressee,
		Prompt:    "do the rounds",
		Enabled:   true,
		NextRun:   nextRun,
	})
	if err != nil {
		t.Fatalf("create recurring: %v", err)
	}
	return id
}

func TestProcessDue_EnqueuesTask(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, time.Minute)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	id := createRecurring(t, st, "hourly", "w1", now.Add(-time.Second))

	svc.ProcessDue(ctx, now)

	pending, err := st.ListTasks(ctx, domain.StatusPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(pending))
	}
	task := pending[0]
	if task.Addressee != "w1" || task.Prompt != "do the rounds" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.CreatedBy == nil || *task.CreatedBy != "recurring:"+id {
		t.Fatalf("unexpected created_by: %v", task.CreatedBy)
	}

	rec, err := st.GetRecurring(ctx, id)
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !rec.NextRun.Equal(want) {
		t.Fatalf("expected next_run %v, got %v", want, rec.NextRun)
	}
	if rec.LastRun == nil || !rec.LastRun.Equal(now) {
		t.Fatalf("expected last_run %v, got %v", now, rec.LastRun)
	}

	// Not due again until the next boundary.
	svc.ProcessDue(ctx, now.Add(time.Minute))
	pending, _ = st.ListTasks(ctx, domain.StatusPending, 10)
	if len(pending) != 1 {
		t.Fatalf("expected no double enqueue, got %d", len(pending))
	}
}

func TestProcessDue_BusyAddresseeSkipsOccurrence(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, time.Minute)
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, domain.CreateTaskInput{
		Addressee: "w1", Prompt: "already queued", CreatedBy: "test",
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	id := createRecurring(t, st, "hourly", "w1", now.Add(-time.Second))

	svc.ProcessDue(ctx, now)

	pending, _ := st.ListTasks(ctx, domain.StatusPending, 10)
	if len(pending) != 1 {
		t.Fatalf("busy addressee must skip the occurrence, got %d pending", len(pending))
	}

	// The occurrence still advances so the template stops being due.
	rec, _ := st.GetRecurring(ctx, id)
	if !rec.NextRun.After(now) {
		t.Fatalf("expected next_run to advance past %v, got %v", now, rec.NextRun)
	}
}

func TestProcessDue_DisabledTemplateIgnored(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, time.Minute)
	ctx := context.Background()

	now := time.Now()
	if _, err := st.CreateRecurring(ctx, domain.RecurringTask{
		Name:      "off",
		CronExpr:  "0 * * * *",
		Addressee: "w1",
		Prompt:    "noop",
		Enabled:   false,
		NextRun:   now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create recurring: %v", err)
	}

	svc.ProcessDue(ctx, now)

	pending, _ := st.ListTasks(ctx, domain.StatusPending, 10)
	if len(pending) != 0 {
		t.Fatalf("disabled template must not enqueue, got %d", len(pending))
	}
}

func TestValidateCronExpression(t *testing.T) {
	if err := ValidateCronExpression("*/5 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateCronExpression("not a cron"); err == nil {
		t.Fatal("expected error for garbage expression")
	}
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}
