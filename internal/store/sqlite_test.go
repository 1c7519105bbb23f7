package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"swarmengine/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) Store {
	return NewSQLiteStore(newTestDB(t))
}

func mustCreateTask(t *testing.T, st Store, addressee string) domain.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), domain.CreateTaskInput{
		Addressee: addressee,
		Prompt:    "do something",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestClaim_SecondClaimReturnsNil(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, st, "worker-1")

	first, err := st.Claim(ctx, task.ID, "agent-abc")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil {
		t.Fatal("expected first claim to succeed")
	}
	if first.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", first.Status)
	}
	if first.WorkerPod == nil || *first.WorkerPod != "agent-abc" {
		t.Fatalf("expected worker_pod agent-abc, got %v", first.WorkerPod)
	}
	if first.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}

	second, err := st.Claim(ctx, task.ID, "agent-def")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatal("expected second claim to lose the race")
	}

	// The winner's worker reference must survive.
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.WorkerPod == nil || *got.WorkerPod != "agent-abc" {
		t.Fatalf("expected worker_pod agent-abc, got %v", got.WorkerPod)
	}
}

func TestClaim_ConcurrentExactlyOneWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, st, "worker-1")

	var wg sync.WaitGroup
	results := make([]*domain.Task, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := st.Claim(ctx, task.ID, "agent-"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestTerminal_Idempotency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, st, "worker-1")
	if _, err := st.Claim(ctx, task.ID, "agent-abc"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := st.Complete(ctx, task.ID, domain.TaskResult{Success: true, Summary: "first"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !ok {
		t.Fatal("expected first complete to apply")
	}

	ok, err = st.Complete(ctx, task.ID, domain.TaskResult{Success: true, Summary: "second"})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if ok {
		t.Fatal("expected second complete to no-op")
	}

	ok, err = st.Fail(ctx, task.ID, domain.TaskResult{Success: false, Summary: "late fail"})
	if err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	if ok {
		t.Fatal("expected fail after complete to no-op")
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || got.Result.Summary != "first" {
		t.Fatalf("terminal result was overwritten: %+v", got.Result)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestFail_RequiresRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, st, "worker-1")

	// Pending tasks cannot jump straight to failed via the CAS.
	ok, err := st.Fail(ctx, task.ID, domain.TaskResult{Success: false, Summary: "nope"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if ok {
		t.Fatal("expected fail on pending task to no-op")
	}
}

func TestListPendingOnePerAddressee(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := mustCreateTask(t, st, "worker-1")
	mustCreateTask(t, st, "worker-1")
	other := mustCreateTask(t, st, "worker-2")

	pending, err := st.ListPendingOnePerAddressee(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(pending))
	}
	if pending[0].ID != first.ID {
		t.Fatalf("expected oldest worker-1 task first, got %s", pending[0].ID)
	}
	if pending[1].ID != other.ID {
		t.Fatalf("expected worker-2 task second, got %s", pending[1].ID)
	}
}

func TestCountRunningAndExistenceChecks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := mustCreateTask(t, st, "worker-1")
	mustCreateTask(t, st, "worker-2")

	n, err := st.CountRunning(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 running, got %d", n)
	}

	if _, err := st.Claim(ctx, a.ID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, _ = st.CountRunning(ctx)
	if n != 1 {
		t.Fatalf("expected 1 running, got %d", n)
	}

	has, err := st.HasRunning(ctx, "worker-1")
	if err != nil || !has {
		t.Fatalf("expected worker-1 running, got %v %v", has, err)
	}
	has, _ = st.HasRunning(ctx, "worker-2")
	if has {
		t.Fatal("worker-2 should not be running")
	}
	has, _ = st.HasRunningOrPending(ctx, "worker-2")
	if !has {
		t.Fatal("worker-2 has a pending task")
	}
	has, _ = st.HasRunningOrPending(ctx, "worker-3")
	if has {
		t.Fatal("worker-3 has nothing queued")
	}
}

func TestLock_AcquireHeartbeatRelease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	holder, heartbeat, err := st.GetLock(ctx)
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if holder != nil || heartbeat != nil {
		t.Fatal("expected empty lock row")
	}

	ok, err := st.TryAcquireLock(ctx, "host-a", nil)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed: %v %v", ok, err)
	}

	// A second acquirer conditioned on the pre-acquire observation loses.
	ok, err = st.TryAcquireLock(ctx, "host-b", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("expected conditional acquire against stale holder to fail")
	}

	ok, err = st.HeartbeatLock(ctx, "host-a")
	if err != nil || !ok {
		t.Fatalf("expected heartbeat to apply: %v %v", ok, err)
	}
	ok, _ = st.HeartbeatLock(ctx, "host-b")
	if ok {
		t.Fatal("heartbeat from non-holder must not apply")
	}

	// Expired holder is overwritable when the acquirer saw the old value.
	prev := "host-a"
	ok, err = st.TryAcquireLock(ctx, "host-b", &prev)
	if err != nil || !ok {
		t.Fatalf("expected takeover conditioned on observed holder: %v %v", ok, err)
	}

	if err := st.ReleaseLock(ctx, "host-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	holder, _, _ = st.GetLock(ctx)
	if holder != nil {
		t.Fatalf("expected released lock, holder=%v", *holder)
	}
}

func TestIncrementProjectStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateProject(ctx, domain.Project{Name: "demo", RepoURL: "https://example.com/demo.git"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := st.IncrementProjectStats(ctx, id, true); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := st.IncrementProjectStats(ctx, id, false); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := st.IncrementProjectStats(ctx, id, true); err != nil {
		t.Fatalf("increment: %v", err)
	}

	p, err := st.GetProject(ctx, id)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.TotalTasks != 3 || p.CompletedTasks != 2 || p.FailedTasks != 1 {
		t.Fatalf("unexpected counters: total=%d completed=%d failed=%d",
			p.TotalTasks, p.CompletedTasks, p.FailedTasks)
	}
}

func TestSetProjectStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateProject(ctx, domain.Project{Name: "demo", RepoURL: "https://example.com/demo.git"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := st.SetProjectStatus(ctx, id, domain.ProjectPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	p, _ := st.GetProject(ctx, id)
	if p.Status != domain.ProjectPaused {
		t.Fatalf("expected paused, got %s", p.Status)
	}
	if err := st.SetProjectStatus(ctx, "prj_missing", domain.ProjectPaused); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecurring_DueListing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due, err := st.CreateRecurring(ctx, domain.RecurringTask{
		Name: "nightly", CronExpr: "0 3 * * *", Addressee: "worker-janitor",
		Prompt: "clean up", Enabled: true, NextRun: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create recurring: %v", err)
	}
	_, err = st.CreateRecurring(ctx, domain.RecurringTask{
		Name: "weekly", CronExpr: "0 3 * * 1", Addressee: "worker-report",
		Prompt: "report", Enabled: true, NextRun: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create recurring: %v", err)
	}

	got, err := st.ListDueRecurring(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due {
		t.Fatalf("expected only the overdue template, got %+v", got)
	}

	next := now.Add(24 * time.Hour)
	if err := st.MarkRecurringRun(ctx, due, now, next); err != nil {
		t.Fatalf("mark run: %v", err)
	}
	got, _ = st.ListDueRecurring(ctx, now)
	if len(got) != 0 {
		t.Fatalf("expected nothing due after advancing next_run, got %d", len(got))
	}
}

func TestSaveLog(t *testing.T) {
	db := newTestDB(t)
	st := NewSQLiteStore(db)
	ctx := context.Background()
	task := mustCreateTask(t, st, "worker-1")

	if err := st.SaveLog(ctx, task.ID, `{"type":"assistant"}`); err != nil {
		t.Fatalf("save log: %v", err)
	}

	var n, size int
	err := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM task_logs WHERE task_id=?`, task.ID).Scan(&n, &size)
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 log row, got %d", n)
	}
	if size != len(`{"type":"assistant"}`) {
		t.Fatalf("unexpected size_bytes %d", size)
	}
}
