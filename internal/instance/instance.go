// Package instance implements the Upstream Instance (C3): one bounded
// worker pool and set of speed-mode queues per upstream account.
package instance

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/idempotency"
	drawotel "github.com/basket/drawproxy/internal/otel"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

// modeOrder is the fixed priority worker goroutines scan the per-mode
// queues in. Faster modes drain first.
var modeOrder = []task.Mode{task.ModeTurbo, task.ModeFast, task.ModeRelax, task.ModeNone}

// Message is what a Producer returns for the send it just performed,
// carrying the upstream message id if one was assigned synchronously.
type Message struct {
	ID string
}

// Producer is the deferred action a worker invokes to actually dispatch
// a queued task to the upstream backend.
type Producer func(ctx context.Context, t *task.Task) (Message, task.SubmitResult)

const notifyBufferSize = 1

// Instance is the bounded worker pool and queue set for one account.
type Instance struct {
	account *task.Account
	store   *store.Store
	bus     *bus.Bus
	locker  *idempotency.Locker
	log     *slog.Logger
	metrics *drawotel.Metrics

	mu          sync.Mutex
	queues      map[task.Mode][]*task.Task
	running     map[string]*task.Task
	byNonce     map[string]*task.Task
	byMessageID map[string]*task.Task
	notify      chan struct{}

	paceMu   sync.Mutex
	lastSend time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Instance for account.
func New(account *task.Account, s *store.Store, b *bus.Bus, locker *idempotency.Locker, log *slog.Logger) *Instance {
	if log == nil {
		log = slog.Default()
	}
	return &Instance{
		account:     account,
		store:       s,
		bus:         b,
		locker:      locker,
		log:         log,
		queues:      make(map[task.Mode][]*task.Task),
		running:     make(map[string]*task.Task),
		byNonce:     make(map[string]*task.Task),
		byMessageID: make(map[string]*task.Task),
		notify:      make(chan struct{}, notifyBufferSize),
	}
}

// SetMetrics attaches the queue-depth and dispatch-duration instruments
// SubmitTask/dispatchOne record against. Nil disables recording; safe
// to call once after New.
func (i *Instance) SetMetrics(m *drawotel.Metrics) {
	i.metrics = m
}

// ChannelID satisfies selector.Candidate.
func (i *Instance) ChannelID() string { return i.account.ChannelID }

// Account satisfies selector.Candidate.
func (i *Instance) Account() *task.Account { return i.account }

// AcceptsNewTask satisfies selector.Candidate: isAcceptNewTask.
func (i *Instance) AcceptsNewTask() bool { return i.account.Alive() }

// Queued satisfies selector.Candidate.
func (i *Instance) Queued(mode task.Mode) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queues[mode])
}

// Running satisfies selector.Candidate.
func (i *Instance) Running() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.running)
}

// resolveMode implements isValidateModeContinueDrawing: a task inherits
// the requested speed mode if the account supports it, otherwise falls
// back to the account's current mode.
func (i *Instance) resolveMode(requested task.Mode, filter task.AccountFilter) (task.Mode, bool) {
	mode := requested
	if filter.SpeedPreference != task.ModeNone {
		mode = filter.SpeedPreference
	}
	if mode == task.ModeNone {
		mode = i.account.CurrentMode
	}
	if !i.account.SupportsMode(mode) {
		return "", false
	}
	return mode, true
}

func (i *Instance) isIdleQueueLocked(mode task.Mode) bool {
	limit, ok := i.account.QueueSize[mode]
	if !ok {
		return true
	}
	return len(i.queues[mode]) < limit
}

// SubmitTask enqueues t for dispatch by the worker pool started with
// Start. Preconditions (isAcceptNewTask, isValidateModeContinueDrawing,
// isIdleQueue) are checked under lock; failing any leaves t untouched.
func (i *Instance) SubmitTask(ctx context.Context, t *task.Task) task.SubmitResult {
	if !i.AcceptsNewTask() {
		return task.NotFound("instance not accepting new tasks")
	}

	mode, ok := i.resolveMode(t.Mode, t.AccountFilter)
	if !ok {
		return task.Failure("queue full")
	}

	i.mu.Lock()
	if !i.isIdleQueueLocked(mode) {
		i.mu.Unlock()
		return task.Failure("queue full")
	}
	t.Mode = mode
	t.Status = task.StatusSubmitted
	t.InstanceID = i.account.ChannelID
	i.queues[mode] = append(i.queues[mode], t)
	if t.Properties.Nonce != "" {
		i.byNonce[t.Properties.Nonce] = t
	}
	i.mu.Unlock()
	i.addQueueDepth(ctx, 1)

	if err := i.store.Save(ctx, t); err != nil {
		i.removeFromQueue(mode, t.ID)
		return task.Failure("storage error: " + err.Error())
	}

	i.publishStateChange(t.ID, string(task.StatusNotStart), string(task.StatusSubmitted))
	i.wake()

	return task.InQueue(t.ID, "queued")
}

func (i *Instance) removeFromQueue(mode task.Mode, taskID string) {
	i.mu.Lock()
	q := i.queues[mode]
	removed := false
	for idx, t := range q {
		if t.ID == taskID {
			i.queues[mode] = append(q[:idx], q[idx+1:]...)
			removed = true
			break
		}
	}
	i.mu.Unlock()
	if removed {
		i.addQueueDepth(context.Background(), -1)
	}
}

func (i *Instance) addQueueDepth(ctx context.Context, delta int64) {
	if i.metrics != nil && i.metrics.QueueDepth != nil {
		i.metrics.QueueDepth.Add(ctx, delta)
	}
}

func (i *Instance) wake() {
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// Start launches coreSize worker goroutines pulling from the queues.
func (i *Instance) Start(ctx context.Context, producer Producer) {
	ctx, i.cancel = context.WithCancel(ctx)
	core := i.account.CoreSize
	if core <= 0 {
		core = 1
	}
	for n := 0; n < core; n++ {
		i.wg.Add(1)
		go i.workerLoop(ctx, producer)
	}
}

// Stop cancels all worker goroutines and waits for them to exit.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()
}

func (i *Instance) workerLoop(ctx context.Context, producer Producer) {
	defer i.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.notify:
			i.dispatchOne(ctx, producer)
		case <-ticker.C:
			i.dispatchOne(ctx, producer)
		}
	}
}

func (i *Instance) dequeue() (*task.Task, task.Mode, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, mode := range modeOrder {
		q := i.queues[mode]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		i.queues[mode] = q[1:]
		return t, mode, true
	}
	return nil, "", false
}

// dispatchOne pulls at most one task off the queue and runs it through
// the worker loop contract: lock, IN_PROGRESS, invoke producer, interpret.
func (i *Instance) dispatchOne(ctx context.Context, producer Producer) {
	t, _, ok := i.dequeue()
	if !ok {
		return
	}
	i.addQueueDepth(ctx, -1)

	release, ok := i.locker.Acquire(ctx, t.ID, true)
	if !ok {
		return
	}
	defer release()

	t.Status = task.StatusInProgress
	t.StartTime = time.Now()
	i.mu.Lock()
	i.running[t.ID] = t
	i.mu.Unlock()
	if err := i.store.Save(ctx, t); err != nil {
		i.log.Error("instance: failed to persist in-progress task", "task_id", t.ID, "error", err)
	}
	i.publishStateChange(t.ID, string(task.StatusSubmitted), string(task.StatusInProgress))

	i.paceSend(ctx)
	dispatchStart := time.Now()
	msg, result := producer(ctx, t)
	if i.metrics != nil && i.metrics.DispatchDuration != nil {
		i.metrics.DispatchDuration.Record(ctx, time.Since(dispatchStart).Seconds())
	}
	if msg.ID != "" {
		i.mu.Lock()
		i.byMessageID[msg.ID] = t
		i.mu.Unlock()
		t.Properties.MessageID = msg.ID
	}

	switch result.Code {
	case task.CodeSuccess, task.CodeExisted, task.CodeInQueue:
		i.awaitTerminal(ctx, t)
	default:
		i.finishFailure(ctx, t, result.Description)
	}
}

// awaitTerminal blocks until C5 reports a terminal event for t, or
// timeoutMinutes elapses, whichever comes first.
func (i *Instance) awaitTerminal(ctx context.Context, t *task.Task) {
	timeout := i.account.TimeoutMinutes
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	sub := i.bus.Subscribe(bus.TopicTaskTerminal)
	defer i.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			i.finishFailure(ctx, t, "timeout")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			te, ok := ev.Payload.(bus.TaskTerminalEvent)
			if !ok || te.TaskID != t.ID {
				continue
			}
			i.mu.Lock()
			delete(i.running, t.ID)
			if t.Properties.Nonce != "" {
				delete(i.byNonce, t.Properties.Nonce)
			}
			i.mu.Unlock()
			return
		}
	}
}

func (i *Instance) finishFailure(ctx context.Context, t *task.Task, reason string) {
	i.mu.Lock()
	delete(i.running, t.ID)
	if t.Properties.Nonce != "" {
		delete(i.byNonce, t.Properties.Nonce)
	}
	i.mu.Unlock()

	t.Status = task.StatusFailure
	t.FailReason = reason
	t.FinishTime = time.Now()
	if err := i.store.Save(ctx, t); err != nil {
		i.log.Error("instance: failed to persist failed task", "task_id", t.ID, "error", err)
	}
	i.bus.Publish(bus.TopicTaskTerminal, bus.TaskTerminalEvent{TaskID: t.ID, Status: string(task.StatusFailure), FailReason: reason})
}

// paceSend enforces the per-instance backoff: a random wait uniform in
// [afterIntervalMin, afterIntervalMax] since the last send, or
// [intervalMin, intervalMax] if this is the first send of a burst.
func (i *Instance) paceSend(ctx context.Context) {
	i.paceMu.Lock()
	last := i.lastSend
	i.lastSend = time.Now()
	i.paceMu.Unlock()

	min, max := i.account.AfterIntervalMin, i.account.AfterIntervalMax
	if last.IsZero() {
		min, max = i.account.IntervalMin, i.account.IntervalMax
	}
	if max <= min {
		return
	}
	wait := min + time.Duration(rand.Int64N(int64(max-min)))
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func (i *Instance) publishStateChange(taskID, oldStatus, newStatus string) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, OldStatus: oldStatus, NewStatus: newStatus,
	})
}

// ByNonce looks up a running task by its nonce.
func (i *Instance) ByNonce(nonce string) (*task.Task, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.byNonce[nonce]
	return t, ok
}

// ByMessageID looks up a running task by its assigned message id.
func (i *Instance) ByMessageID(id string) (*task.Task, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.byMessageID[id]
	return t, ok
}

// RunningTasks returns a snapshot of tasks currently IN_PROGRESS.
func (i *Instance) RunningTasks() []*task.Task {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*task.Task, 0, len(i.running))
	for _, t := range i.running {
		out = append(out, t)
	}
	return out
}
