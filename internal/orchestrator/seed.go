package orchestrator

import (
	"context"
	"time"

	"github.com/basket/drawproxy/internal/task"
)

const (
	// DefaultSeedPollInterval/Timeout are the seed retrieval flow's
	// default polling cadence; overridable via Config.
	DefaultSeedPollInterval = 2 * time.Second
	DefaultSeedPollTimeout  = 3 * time.Minute
	seedReactionEmoji       = "\U0001F522" // keycap digits emoji, used to trigger the seed reply
)

// submitSeed posts the /show-style command referencing the parent
// image's hash into the account's private channel, waits for the
// upstream reply, reacts to trigger the seed value, then waits again.
func (o *Orchestrator) submitSeed(ctx context.Context, t *task.Task) task.SubmitResult {
	if t.ParentID != "" && t.Properties.MessageHash == "" {
		parent, err := o.store.Get(ctx, t.ParentID)
		if err != nil {
			return task.NotFound("parent task not found")
		}
		t.Properties.MessageHash = parent.Properties.MessageHash
		t.InstanceID = parent.InstanceID
	}

	inst, ok := o.pool.ByTask(t)
	if !ok {
		return task.NotFound("no available instance")
	}
	acct := inst.Account()
	backend, ok := o.backends[acct.BackendFamily]
	if !ok {
		return task.Failure("no backend configured for " + string(acct.BackendFamily))
	}

	t.Status = task.StatusSubmitted
	if err := o.store.Save(ctx, t); err != nil {
		return task.Failure("storage error: " + err.Error())
	}

	if _, result := backend.Send(ctx, acct, t); !isAdvancing(result) {
		return result
	}

	seedMsgID, err := o.pollField(ctx, t.ID, o.seedPollTimeout, func(got *task.Task) (string, bool) {
		return got.Properties.SeedMessageID, got.Properties.SeedMessageID != ""
	})
	if err != nil {
		return task.NotFound("timeout waiting for seed message")
	}

	if err := backend.React(ctx, acct, seedMsgID, seedReactionEmoji); err != nil {
		return task.Failure("reaction failed: " + err.Error())
	}

	seed, err := o.pollField(ctx, t.ID, o.seedPollTimeout, func(got *task.Task) (string, bool) {
		return got.Seed, got.Seed != ""
	})
	if err != nil {
		return task.NotFound("timeout waiting for seed value")
	}

	t.Seed = seed
	t.Status = task.StatusSuccess
	_ = o.store.Save(ctx, t)
	return task.Success(t.ID)
}

// pollField re-fetches taskID from the store at seedPollInterval until
// extract reports ok or timeout elapses.
func (o *Orchestrator) pollField(ctx context.Context, taskID string, timeout time.Duration, extract func(*task.Task) (string, bool)) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(o.seedPollInterval)
	defer ticker.Stop()

	for {
		got, err := o.store.Get(ctx, taskID)
		if err == nil {
			if v, ok := extract(got); ok {
				return v, nil
			}
		}
		if time.Now().After(deadline) {
			return "", task.NewError(task.KindTimeout, "poll timed out", nil)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
