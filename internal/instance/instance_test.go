package instance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/idempotency"
	"github.com/basket/drawproxy/internal/instance"
	drawotel "github.com/basket/drawproxy/internal/otel"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "drawproxy.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAccount() *task.Account {
	return &task.Account{
		ChannelID: "acct-1",
		CoreSize:  2,
		Enabled:   true,
		Connected: true,
		EnabledMJ: true,
		CurrentMode: task.ModeFast,
		QueueSize: map[task.Mode]int{
			task.ModeFast: 2,
		},
		IntervalMin:      time.Millisecond,
		IntervalMax:      2 * time.Millisecond,
		AfterIntervalMin: time.Millisecond,
		AfterIntervalMax: 2 * time.Millisecond,
		TimeoutMinutes:   200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSubmitTaskQueuesAndDispatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := bus.New()
	inst := instance.New(testAccount(), s, b, idempotency.NewLocker(), nil)

	var invoked bool
	producer := func(ctx context.Context, t *task.Task) (instance.Message, task.SubmitResult) {
		invoked = true
		return instance.Message{ID: "msg-1"}, task.Success(t.ID)
	}
	inst.Start(ctx, producer)
	defer inst.Stop()

	tk := &task.Task{ID: "t1", Action: task.ActionImagine, Mode: task.ModeFast, Prompt: "a cat"}
	result := inst.SubmitTask(ctx, tk)
	if result.Code != task.CodeInQueue {
		t.Fatalf("expected InQueue result, got %+v", result)
	}

	waitFor(t, time.Second, func() bool { return invoked })
	waitFor(t, time.Second, func() bool {
		got, err := s.Get(ctx, "t1")
		return err == nil && got.Status == task.StatusInProgress
	})
}

func TestSetMetricsRecordsQueueDepthAndDispatchDuration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := bus.New()
	inst := instance.New(testAccount(), s, b, idempotency.NewLocker(), nil)

	provider, err := drawotel.Init(ctx, drawotel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	defer provider.Shutdown(ctx)
	metrics, err := drawotel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	inst.SetMetrics(metrics)

	producer := func(ctx context.Context, t *task.Task) (instance.Message, task.SubmitResult) {
		return instance.Message{ID: "msg-1"}, task.Success(t.ID)
	}
	inst.Start(ctx, producer)
	defer inst.Stop()

	tk := &task.Task{ID: "t1", Action: task.ActionImagine, Mode: task.ModeFast, Prompt: "a cat"}
	result := inst.SubmitTask(ctx, tk)
	if result.Code != task.CodeInQueue {
		t.Fatalf("expected InQueue result, got %+v", result)
	}

	waitFor(t, time.Second, func() bool {
		got, err := s.Get(ctx, "t1")
		return err == nil && got.Status == task.StatusInProgress
	})
}

func TestSubmitTaskRejectsWhenAccountDead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := testAccount()
	acct.Enabled = false
	inst := instance.New(acct, s, bus.New(), idempotency.NewLocker(), nil)

	tk := &task.Task{ID: "t1", Action: task.ActionImagine}
	result := inst.SubmitTask(ctx, tk)
	if result.Code != task.CodeNotFound {
		t.Fatalf("expected NotFound, got %+v", result)
	}
}

func TestSubmitTaskRejectsWhenQueueFull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := testAccount()
	acct.QueueSize[task.ModeFast] = 1
	inst := instance.New(acct, s, bus.New(), idempotency.NewLocker(), nil)

	// A producer that blocks forever so the first task stays queued/running
	// long enough for the second SubmitTask call to observe a full queue.
	block := make(chan struct{})
	producer := func(ctx context.Context, t *task.Task) (instance.Message, task.SubmitResult) {
		<-block
		return instance.Message{}, task.Success(t.ID)
	}
	// Do not start workers, so the first task sits in the queue.
	first := &task.Task{ID: "t1", Action: task.ActionImagine, Mode: task.ModeFast}
	if result := inst.SubmitTask(ctx, first); result.Code != task.CodeInQueue {
		t.Fatalf("expected first submit to queue, got %+v", result)
	}

	second := &task.Task{ID: "t2", Action: task.ActionImagine, Mode: task.ModeFast}
	result := inst.SubmitTask(ctx, second)
	if result.Code != task.CodeFailure {
		t.Fatalf("expected second submit to fail on full queue, got %+v", result)
	}
	close(block)
}

func TestAwaitTerminalTimesOutAndMarksFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := testAccount()
	acct.TimeoutMinutes = 30 * time.Millisecond
	b := bus.New()
	inst := instance.New(acct, s, b, idempotency.NewLocker(), nil)

	producer := func(ctx context.Context, t *task.Task) (instance.Message, task.SubmitResult) {
		return instance.Message{}, task.Success(t.ID)
	}
	inst.Start(ctx, producer)
	defer inst.Stop()

	tk := &task.Task{ID: "t1", Action: task.ActionImagine, Mode: task.ModeFast}
	inst.SubmitTask(ctx, tk)

	waitFor(t, time.Second, func() bool {
		got, err := s.Get(ctx, "t1")
		return err == nil && got.Status == task.StatusFailure && got.FailReason == "timeout"
	})
}

func TestCandidateInterfaceReflectsQueueAndRunningState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := testAccount()
	inst := instance.New(acct, s, bus.New(), idempotency.NewLocker(), nil)

	if inst.ChannelID() != acct.ChannelID {
		t.Fatalf("expected channel id to match account")
	}
	if !inst.AcceptsNewTask() {
		t.Fatalf("expected enabled+connected account to accept new tasks")
	}
	if inst.Queued(task.ModeFast) != 0 || inst.Running() != 0 {
		t.Fatalf("expected empty instance to report zero queued/running")
	}

	block := make(chan struct{})
	producer := func(ctx context.Context, t *task.Task) (instance.Message, task.SubmitResult) {
		<-block
		return instance.Message{}, task.Success(t.ID)
	}
	tk := &task.Task{ID: "t1", Action: task.ActionImagine, Mode: task.ModeFast}
	inst.SubmitTask(ctx, tk)
	if inst.Queued(task.ModeFast) != 1 {
		t.Fatalf("expected queued task to be visible before dispatch")
	}
	close(block)
}
