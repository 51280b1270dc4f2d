package orchestrator

import (
	"context"

	"github.com/basket/drawproxy/internal/instance"
	"github.com/basket/drawproxy/internal/task"
)

// Backend is the per-backend-family command surface the orchestrator
// dispatches through. internal/backend/chat, internal/backend/official,
// and internal/backend/partner each provide one implementation.
type Backend interface {
	// Send issues t's primary command (imagine, upscale, variation,
	// reroll, blend, shorten, zoom, pan, inpaint, ...) against acct.
	Send(ctx context.Context, acct *task.Account, t *task.Task) (instance.Message, task.SubmitResult)

	// SendSecondPhase issues the rewritten customId command for a
	// modal two-phase commit.
	SendSecondPhase(ctx context.Context, acct *task.Account, t *task.Task, customID string) (instance.Message, task.SubmitResult)

	// Upload places raw bytes with the given file suffix somewhere the
	// backend can reference by URL. Backends that can only post into a
	// channel call SendImage internally and return the resulting
	// message URL; the caller always gets back a usable URL.
	Upload(ctx context.Context, acct *task.Account, data []byte, suffix string) (url string, err error)

	// SendImage posts an already-uploaded file's URL into the
	// account's channel and returns the resulting message URL.
	SendImage(ctx context.Context, acct *task.Account, url string) (messageURL string, err error)

	// Rehost optionally re-fetches and re-uploads an http(s) URL
	// through the backend's own storage, returning the rehosted URL.
	// Backends that pass URLs through unchanged return url unmodified.
	Rehost(ctx context.Context, acct *task.Account, url string) (string, error)

	// React adds a reaction emoji to messageID, used by the seed
	// retrieval flow to trigger the upstream bot's seed reply.
	React(ctx context.Context, acct *task.Account, messageID, emoji string) error
}
