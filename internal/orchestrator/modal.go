package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/drawproxy/internal/task"
)

// Default modal two-phase commit timing; overridable via Config for
// tests that can't wait out the real windows.
const (
	DefaultModalPollInterval    = 2500 * time.Millisecond
	DefaultModalPollTimeout     = 5 * time.Minute
	DefaultModalSecondPhaseWait = 1200 * time.Millisecond
)

// submitModal realizes the two-phase commit a CustomZoom, Inpaint,
// PicReader, Variation, Reroll, or Pan confirmation window requires:
// emit the initial interaction, poll for the ids C5 writes onto the
// task once the confirm window opens, then dispatch the rewritten
// second-phase command.
func (o *Orchestrator) submitModal(ctx context.Context, t *task.Task) task.SubmitResult {
	inst, ok := o.selectForSubmit(ctx, t, nil)
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

	if err := o.pollForModalIDs(ctx, t); err != nil {
		t.Status = task.StatusFailure
		t.FailReason = "timeout"
		_ = o.store.Save(ctx, t)
		return task.NotFound("timeout")
	}

	select {
	case <-ctx.Done():
		return task.Failure("cancelled")
	case <-time.After(o.modalSecondPhaseWait):
	}

	customID := rewriteRemixCustomID(t, acct)
	t.Status = task.StatusInProgress
	t.StartTime = time.Now()
	if err := o.store.Save(ctx, t); err != nil {
		return task.Failure("storage error: " + err.Error())
	}

	_, result := backend.SendSecondPhase(ctx, acct, t, customID)
	return result
}

func isAdvancing(r task.SubmitResult) bool {
	switch r.Code {
	case task.CodeSuccess, task.CodeInQueue, task.CodeExisted:
		return true
	}
	return false
}

// pollForModalIDs polls the stored task every modalPollInterval, up to
// modalPollTimeout, for the confirm-window ids C5 writes once the modal
// opens on the upstream side.
func (o *Orchestrator) pollForModalIDs(ctx context.Context, t *task.Task) error {
	deadline := time.Now().Add(o.modalPollTimeout)
	ticker := time.NewTicker(o.modalPollInterval)
	defer ticker.Stop()

	for {
		got, err := o.store.Get(ctx, t.ID)
		if err == nil && got.Properties.RemixModalMessageID != "" && got.Properties.InteractionMetadataID != "" {
			t.Properties = got.Properties
			return nil
		}
		if time.Now().After(deadline) {
			return task.NewError(task.KindTimeout, "modal confirm window timed out", nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rewriteRemixCustomID derives the second-phase customId for a modal
// dispatch from the button that opened it.
func rewriteRemixCustomID(t *task.Task, acct *task.Account) string {
	button := task.ParseCustomID(t.Properties.CustomID)

	switch button.Kind {
	case task.ButtonReroll:
		if t.Properties.RemixCustomID == "" {
			return "MJ::ImagineModal::" + t.Properties.MessageID
		}
		if strings.HasPrefix(t.Properties.RemixCustomID, "MJ::PanModal::") {
			prev := task.ParseCustomID(t.Properties.RemixUCustomID)
			return fmt.Sprintf("MJ::PanModal::%s::%s::%d", prev.Dir, prev.Hash, prev.Index)
		}
		return t.Properties.RemixCustomID

	case task.ButtonVariation:
		suffix := 0
		if acct.HighVariabilityMode {
			suffix = 1
		}
		return fmt.Sprintf("MJ::RemixModal::%s::%d::%d", button.Hash, button.Index, suffix)

	case task.ButtonPan:
		return fmt.Sprintf("MJ::PanModal::%s::%s::%d", button.Dir, button.Hash, button.Index)

	default:
		return t.Properties.CustomID
	}
}
