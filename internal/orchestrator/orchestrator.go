// Package orchestrator implements the Task Orchestrator (C6): one
// submit entrypoint per action, banned-word and domain-routing
// preflight, the upload sub-protocol, the button action dispatch
// table, and the modal two-phase commit.
package orchestrator

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/drawproxy/internal/audit"
	"github.com/basket/drawproxy/internal/domaincache"
	"github.com/basket/drawproxy/internal/idempotency"
	"github.com/basket/drawproxy/internal/instance"
	drawotel "github.com/basket/drawproxy/internal/otel"
	"github.com/basket/drawproxy/internal/registry"
	"github.com/basket/drawproxy/internal/selector"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

// submissionPoisonThreshold is the number of consecutive, identically
// fingerprinted STORAGE_ERROR results a single task may accumulate
// across repeated Submit calls before it is parked instead of handed
// back for another retry.
const submissionPoisonThreshold = 3

// auditPolicyVersion tags every audit entry this package writes; bump
// it when the banned-word/domain-routing decision logic changes shape.
const auditPolicyVersion = "orchestrator-v1"

// compoundActions prepend uploaded/rehosted URLs to the prompt before
// issuing the backend command.
var compoundActions = map[task.Action]bool{
	task.ActionImagine:   true,
	task.ActionEdit:      true,
	task.ActionRetexture: true,
	task.ActionBlend:     true,
	task.ActionDescribe:  true,
}

// Config holds the Orchestrator's collaborators.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Pool     *instance.Pool
	Selector *selector.Selector
	Cache    *domaincache.Cache
	Locker   *idempotency.Locker
	Backends map[task.BackendFamily]Backend
	Logger   *slog.Logger

	// Tracer and Metrics instrument Submit and account selection. Both
	// are optional; a nil Tracer uses trace.Tracer's no-op default and
	// a nil Metrics disables recording.
	Tracer  trace.Tracer
	Metrics *drawotel.Metrics

	// ForceRehostChatUploads mirrors the config flag that forces
	// re-hosting http(s) upload URLs even for chat-platform accounts.
	ForceRehostChatUploads bool
	// AllowBase64Uploads gates whether a non-URL data URL may be
	// decoded from its base64 body.
	AllowBase64Uploads bool

	// Timing overrides; zero values fall back to the package defaults.
	ModalPollInterval    time.Duration
	ModalPollTimeout     time.Duration
	ModalSecondPhaseWait time.Duration
	SeedPollInterval     time.Duration
	SeedPollTimeout      time.Duration
}

// Orchestrator is the Task Orchestrator (C6).
type Orchestrator struct {
	store    *store.Store
	registry *registry.Registry
	pool     *instance.Pool
	selector *selector.Selector
	cache    *domaincache.Cache
	locker   *idempotency.Locker
	backends map[task.BackendFamily]Backend
	log      *slog.Logger

	tracer  trace.Tracer
	metrics *drawotel.Metrics

	forceRehostChat    bool
	allowBase64Uploads bool

	modalPollInterval    time.Duration
	modalPollTimeout     time.Duration
	modalSecondPhaseWait time.Duration
	seedPollInterval     time.Duration
	seedPollTimeout      time.Duration

	poisonMu sync.Mutex
	poison   map[string]poisonEntry
}

// poisonEntry tracks the most recent submission-time STORAGE_ERROR
// fingerprint seen for a task id, and how many times in a row it has
// recurred.
type poisonEntry struct {
	fingerprint string
	count       int
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store: cfg.Store, registry: cfg.Registry, pool: cfg.Pool,
		selector: cfg.Selector, cache: cfg.Cache, locker: cfg.Locker,
		backends: cfg.Backends, log: log,
		tracer: cfg.Tracer, metrics: cfg.Metrics,
		forceRehostChat: cfg.ForceRehostChatUploads, allowBase64Uploads: cfg.AllowBase64Uploads,
		modalPollInterval: cfg.ModalPollInterval, modalPollTimeout: cfg.ModalPollTimeout,
		modalSecondPhaseWait: cfg.ModalSecondPhaseWait,
		seedPollInterval:     cfg.SeedPollInterval, seedPollTimeout: cfg.SeedPollTimeout,
		poison: make(map[string]poisonEntry),
	}
	if o.modalPollInterval <= 0 {
		o.modalPollInterval = DefaultModalPollInterval
	}
	if o.modalPollTimeout <= 0 {
		o.modalPollTimeout = DefaultModalPollTimeout
	}
	if o.modalSecondPhaseWait <= 0 {
		o.modalSecondPhaseWait = DefaultModalSecondPhaseWait
	}
	if o.seedPollInterval <= 0 {
		o.seedPollInterval = DefaultSeedPollInterval
	}
	if o.seedPollTimeout <= 0 {
		o.seedPollTimeout = DefaultSeedPollTimeout
	}
	return o
}

// Submit is the single entrypoint every external caller (the gateway,
// the scheduler's retry path) uses to hand the orchestrator a task.
func (o *Orchestrator) Submit(ctx context.Context, req task.Task) task.SubmitResult {
	start := time.Now()
	if o.tracer != nil {
		var span trace.Span
		ctx, span = drawotel.StartSpan(ctx, o.tracer, "drawproxy.submit",
			drawotel.AttrAction.String(string(req.Action)))
		defer span.End()
	}

	t := req
	if t.Status == "" {
		t.Status = task.StatusNotStart
	}

	result := o.submit(ctx, &t)

	if o.metrics != nil && o.metrics.SubmitDuration != nil {
		o.metrics.SubmitDuration.Record(ctx, time.Since(start).Seconds())
	}
	return result
}

func (o *Orchestrator) submit(ctx context.Context, t *task.Task) task.SubmitResult {
	if t.ParentID != "" {
		if parent, err := o.store.Get(ctx, t.ParentID); err == nil {
			if !t.InheritFromParent(parent) {
				return task.Validation("follow-up backend/bot family does not match parent task")
			}
		}
	}

	if t.Properties.CustomID != "" {
		if result, handled := o.dispatchButton(ctx, t); handled {
			return result
		}
	}

	switch t.Action {
	case task.ActionImagine:
		return o.submitImagine(ctx, t)
	case task.ActionSeed:
		return o.submitSeed(ctx, t)
	default:
		if compoundActions[t.Action] {
			return o.submitCompound(ctx, t)
		}
		return o.submitDirect(ctx, t)
	}
}

// preflightBannedWord scans the lower-cased English prompt for a
// word-boundary banned-keyword hit.
func (o *Orchestrator) preflightBannedWord(ctx context.Context, t *task.Task) (task.SubmitResult, bool) {
	prompt := t.PromptEn
	if prompt == "" {
		prompt = t.Prompt
	}
	if prompt == "" || o.cache == nil {
		return task.SubmitResult{}, false
	}
	word, hit, err := o.cache.BannedWord(ctx, prompt)
	if err != nil {
		o.log.Error("orchestrator: banned-word check failed", "error", err)
		return task.SubmitResult{}, false
	}
	if !hit {
		return task.SubmitResult{}, false
	}
	audit.Record("deny", string(t.Action), "banned word: "+word, auditPolicyVersion, t.ID)
	if o.metrics != nil && o.metrics.BannedPromptRejects != nil {
		o.metrics.BannedPromptRejects.Add(ctx, 1)
	}
	return task.Banned(word), true
}

// submitImagine runs the banned-word preflight, domain-routes the
// selection, runs the upload sub-protocol, then dispatches.
func (o *Orchestrator) submitImagine(ctx context.Context, t *task.Task) task.SubmitResult {
	if result, banned := o.preflightBannedWord(ctx, t); banned {
		return result
	}

	domainIDs, err := o.domainIDsForPrompt(ctx, t)
	if err != nil {
		o.log.Error("orchestrator: domain lookup failed", "error", err)
	}

	inst, ok := o.selectForSubmit(ctx, t, domainIDs)
	if !ok {
		return task.NotFound("no available instance")
	}

	if err := o.runUploadProtocol(ctx, inst.Account(), t); err != nil {
		return task.Failure("upload failed: " + err.Error())
	}

	return o.dispatchSubmit(ctx, t, inst)
}

// submitCompound handles EDIT/RETEXTURE/BLEND/DESCRIBE: banned-word
// preflight, upload sub-protocol, then dispatch with no domain routing.
func (o *Orchestrator) submitCompound(ctx context.Context, t *task.Task) task.SubmitResult {
	if result, banned := o.preflightBannedWord(ctx, t); banned {
		return result
	}

	inst, ok := o.selectForSubmit(ctx, t, nil)
	if !ok {
		return task.NotFound("no available instance")
	}

	if err := o.runUploadProtocol(ctx, inst.Account(), t); err != nil {
		return task.Failure("upload failed: " + err.Error())
	}

	return o.dispatchSubmit(ctx, t, inst)
}

// submitDirect handles every other action (UPSCALE, VARIATION, REROLL,
// PAN, ZOOM, INPAINT, VIDEO, SHORTEN, ACTION, ...) that needs no
// preflight beyond account selection.
func (o *Orchestrator) submitDirect(ctx context.Context, t *task.Task) task.SubmitResult {
	inst, ok := o.selectForSubmit(ctx, t, nil)
	if !ok {
		return task.NotFound("no available instance")
	}
	return o.dispatchSubmit(ctx, t, inst)
}

// domainIDsForPrompt tokenizes an IMAGINE prompt and returns the set of
// enabled domain keyword sets it matches, if any.
func (o *Orchestrator) domainIDsForPrompt(ctx context.Context, t *task.Task) ([]string, error) {
	if o.cache == nil {
		return nil, nil
	}
	prompt := t.PromptEn
	if prompt == "" {
		prompt = t.Prompt
	}
	return o.cache.DomainsForPrompt(ctx, prompt)
}

// selectForSubmit resolves an explicit instance pin if the task carries
// one, otherwise asks the selector. When domainIDs is non-empty it
// first tries domain-routed selection and retries once without it if
// that yields nothing.
func (o *Orchestrator) selectForSubmit(ctx context.Context, t *task.Task, domainIDs []string) (*instance.Instance, bool) {
	if pinned, ok := o.pool.ByTask(t); ok {
		return pinned, true
	}

	req := o.requirementsFor(t)

	if len(domainIDs) > 0 {
		req.IsDomain = true
		req.DomainIDs = domainIDs
		if c := o.selector.Choose(o.pool.Candidates(), req); c != nil {
			if inst, ok := c.(*instance.Instance); ok {
				return inst, true
			}
		}
		req.IsDomain = false
		req.DomainIDs = nil
	}

	c := o.selector.Choose(o.pool.Candidates(), req)
	if c == nil {
		if o.metrics != nil && o.metrics.SelectorMisses != nil {
			o.metrics.SelectorMisses.Add(ctx, 1)
		}
		return nil, false
	}
	inst, ok := c.(*instance.Instance)
	return inst, ok
}

// storageErrorPrefix marks the instance.SubmitTask failure description
// produced when the store rejects the initial Save before any nonce
// has gone upstream (see store.go's package doc: this is the only
// point submission is allowed to retry).
const storageErrorPrefix = "storage error: "

// dispatchSubmit hands t to inst and, on a repeated submission-time
// storage error, parks the task instead of returning it for another
// retry. A caller that keeps resubmitting the same task id (the
// gateway's own retry, or the startup crash-recovery resubmit) would
// otherwise loop forever against a store that is wedged.
func (o *Orchestrator) dispatchSubmit(ctx context.Context, t *task.Task, inst *instance.Instance) task.SubmitResult {
	result := inst.SubmitTask(ctx, t)

	msg, isStorageErr := strings.CutPrefix(result.Description, storageErrorPrefix)
	if !isStorageErr {
		o.clearPoison(t.ID)
		return result
	}

	if o.poisoned(t.ID, msg) {
		t.Status = task.StatusFailure
		t.FailReason = "poisoned: repeated storage error"
		if err := o.store.Save(ctx, t); err != nil {
			o.log.Error("orchestrator: failed to park poisoned task", "task_id", t.ID, "error", err)
		}
		audit.Record("deny", string(t.Action), "parked after repeated storage error", auditPolicyVersion, t.ID)
		o.clearPoison(t.ID)
		return task.Failure("parked: repeated storage error exceeded retry threshold")
	}
	return result
}

// poisoned fingerprints msg and records it against taskID, returning
// true once the same fingerprint has recurred submissionPoisonThreshold
// times in a row for that task.
func (o *Orchestrator) poisoned(taskID, msg string) bool {
	fp := errorFingerprint(msg)

	o.poisonMu.Lock()
	defer o.poisonMu.Unlock()

	entry := o.poison[taskID]
	if entry.fingerprint == fp {
		entry.count++
	} else {
		entry = poisonEntry{fingerprint: fp, count: 1}
	}
	o.poison[taskID] = entry
	return entry.count >= submissionPoisonThreshold
}

// clearPoison drops any tracked storage-error streak for taskID, e.g.
// once a submission succeeds or fails for an unrelated reason.
func (o *Orchestrator) clearPoison(taskID string) {
	o.poisonMu.Lock()
	delete(o.poison, taskID)
	o.poisonMu.Unlock()
}

// errorFingerprint normalizes and hashes an error message so repeated
// occurrences of the same underlying failure compare equal regardless
// of incidental detail (timestamps, connection ids) appended to it.
func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (o *Orchestrator) requirementsFor(t *task.Task) selector.Requirements {
	return selector.Requirements{
		IsNewTask:            t.ParentID == "",
		BotFamily:            t.BotFamily,
		PreferredMode:        t.AccountFilter.SpeedPreference,
		Whitelist:            t.AccountFilter.InstanceIDs,
		RequireBackendFamily: t.BackendFamily,
		CapabilityDescribe:   t.Action == task.ActionDescribe,
		CapabilityBlend:      t.Action == task.ActionBlend,
		CapabilityShorten:    t.Action == task.ActionShorten,
	}
}

// lineFromContent extracts the n-th (1-indexed) line of content after
// stripping a leading emoji/number token from each line, used by the
// PicReader::N and PromptAnalyzer::N button handlers.
func lineFromContent(content string, n int) (string, bool) {
	lines := strings.Split(content, "\n")
	idx := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx++
		if idx == n {
			return stripLeadingToken(line), true
		}
	}
	return "", false
}

// stripLeadingToken removes a leading emoji/number marker (e.g. "1️⃣",
// "2.", "3)") from a PicReader/PromptAnalyzer result line.
func stripLeadingToken(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	first := fields[0]
	isMarker := strings.Trim(first, "0123456789.):⃣") == "" ||
		strings.ContainsAny(first, "️⃣")
	if isMarker {
		return strings.TrimSpace(strings.Join(fields[1:], " "))
	}
	return line
}
