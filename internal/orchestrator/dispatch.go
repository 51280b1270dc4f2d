package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/drawproxy/internal/task"
)

const maxPicReaderFanOut = 4

// promptAnalyzerAnchor marks where the numbered prompt list begins in
// a PromptAnalyzer parent's final prompt. Its absence means the parent
// was never a PromptAnalyzer result (or the content shape changed
// upstream), so line extraction must not silently proceed.
const promptAnalyzerAnchor = "Shortened prompts"

// dispatchButton applies the action dispatch table for a follow-up
// task that was triggered by a button click (customId set). handled is
// false when the customId doesn't name a button the table recognizes,
// in which case the caller falls through to the normal action switch.
func (o *Orchestrator) dispatchButton(ctx context.Context, t *task.Task) (task.SubmitResult, bool) {
	button := task.ParseCustomID(t.Properties.CustomID)

	switch button.Kind {
	case task.ButtonBookmark, task.ButtonHighVariability:
		go o.fireAndForget(t)
		return task.Success(t.ID), true

	case task.ButtonCustomZoom, task.ButtonInpaint:
		return o.enterModalFromParent(ctx, t), true

	case task.ButtonPicReader:
		if button.PicIndex == "all" {
			return o.fanOutPicReader(ctx, t), true
		}
		return o.enterModalFromLine(ctx, t, button.PicIndex), true

	case task.ButtonPromptAnalyzer:
		return o.enterModalFromAnalyzerLine(ctx, t, button.PicIndex), true

	case task.ButtonVariation, task.ButtonReroll, task.ButtonPan:
		return o.dispatchRemixable(ctx, t), true
	}

	return task.SubmitResult{}, false
}

// fireAndForget issues a bookmark/high-variability toggle without
// waiting for or recording a result.
func (o *Orchestrator) fireAndForget(t *task.Task) {
	inst, ok := o.pool.ByTask(t)
	if !ok {
		return
	}
	acct := inst.Account()
	backend, ok := o.backends[acct.BackendFamily]
	if !ok {
		return
	}
	ctx := context.Background()
	if _, result := backend.Send(ctx, acct, t); result.Code != task.CodeSuccess {
		o.log.Warn("orchestrator: fire-and-forget button failed", "task_id", t.ID, "description", result.Description)
	}
}

// enterModalFromParent copies the parent's messageId/flags onto t,
// enters MODAL, and returns EXISTED with remix=true.
func (o *Orchestrator) enterModalFromParent(ctx context.Context, t *task.Task) task.SubmitResult {
	if t.ParentID != "" {
		if parent, err := o.store.Get(ctx, t.ParentID); err == nil {
			t.Properties.MessageID = parent.Properties.MessageID
			t.Properties.Flags = parent.Properties.Flags
		}
	}
	return o.enterModal(ctx, t)
}

// enterModalFromLine extracts the n-th prompt line from the parent's
// content-derived final prompt (PicReader::N / PromptAnalyzer::N).
func (o *Orchestrator) enterModalFromLine(ctx context.Context, t *task.Task, picIndexStr string) task.SubmitResult {
	n := 0
	fmt.Sscanf(picIndexStr, "%d", &n)
	if t.ParentID != "" && n > 0 {
		if parent, err := o.store.Get(ctx, t.ParentID); err == nil {
			if line, ok := lineFromContent(parent.Properties.FinalPrompt, n); ok {
				t.Prompt = line
			}
			t.Properties.MessageID = parent.Properties.MessageID
			t.Properties.Flags = parent.Properties.Flags
		}
	}
	return o.enterModal(ctx, t)
}

// enterModalFromAnalyzerLine extracts the n-th line following the
// "Shortened prompts" anchor in the parent's final prompt. Unlike
// PicReader, a missing anchor or unextractable line returns NOT_FOUND
// rather than falling through to MODAL with the prompt unset.
func (o *Orchestrator) enterModalFromAnalyzerLine(ctx context.Context, t *task.Task, picIndexStr string) task.SubmitResult {
	n := 0
	fmt.Sscanf(picIndexStr, "%d", &n)
	if t.ParentID == "" || n <= 0 {
		return task.NotFound("no parent prompt to extract from")
	}
	parent, err := o.store.Get(ctx, t.ParentID)
	if err != nil {
		return task.NotFound("parent task not found")
	}
	anchor := strings.Index(parent.Properties.FinalPrompt, promptAnalyzerAnchor)
	if anchor < 0 {
		return task.NotFound("prompt analyzer anchor not found")
	}
	line, ok := lineFromContent(parent.Properties.FinalPrompt[anchor+len(promptAnalyzerAnchor):], n)
	if !ok {
		return task.NotFound("prompt analyzer line not found")
	}
	t.Prompt = line
	t.Properties.MessageID = parent.Properties.MessageID
	t.Properties.Flags = parent.Properties.Flags
	return o.enterModal(ctx, t)
}

// enterModal transitions t to MODAL and reports the caller should wait
// for the confirm window, per the common two-phase entry contract.
func (o *Orchestrator) enterModal(ctx context.Context, t *task.Task) task.SubmitResult {
	t.Status = task.StatusModal
	t.Properties.Remix = true
	if err := o.store.Save(ctx, t); err != nil {
		return task.Failure("storage error: " + err.Error())
	}
	return task.Existed(t.ID, "Waiting for window confirm", map[string]any{"remix": true})
}

// fanOutPicReader spawns up to four independent MODAL child tasks, one
// per described image, each with a fresh nonce.
func (o *Orchestrator) fanOutPicReader(ctx context.Context, t *task.Task) task.SubmitResult {
	spawned := 0
	for n := 1; n <= maxPicReaderFanOut; n++ {
		child := *t
		child.ID = fmt.Sprintf("%s-pic%d", t.ID, n)
		child.Properties.Nonce = fmt.Sprintf("%s-%d", t.Properties.Nonce, n)
		if result := o.enterModalFromLine(ctx, &child, fmt.Sprintf("%d", n)); result.Code == task.CodeExisted {
			spawned++
		}
	}
	return task.Existed(t.ID, fmt.Sprintf("fanned out %d PicReader children", spawned), map[string]any{"remix": true})
}

// dispatchRemixable applies the account's remix auto-submit toggle: if
// enabled, the modal is skipped and the second-phase command is issued
// immediately; otherwise the task enters MODAL and waits for an
// explicit confirm.
func (o *Orchestrator) dispatchRemixable(ctx context.Context, t *task.Task) task.SubmitResult {
	inst, ok := o.pool.ByTask(t)
	if !ok {
		inst, ok = o.selectForSubmit(ctx, t, nil)
		if !ok {
			return task.NotFound("no available instance")
		}
	}
	acct := inst.Account()

	autoSubmit := acct.RemixAutoSubmitMJ
	if t.BotFamily == task.BotNiji {
		autoSubmit = acct.RemixAutoSubmitNiji
	}

	if autoSubmit && t.Properties.Remix {
		return o.submitModal(ctx, t)
	}
	return o.enterModal(ctx, t)
}
