// Package correlator implements the Event Correlator (C5): resolving
// upstream notifications to the running task they belong to, and
// driving progress updates and terminal transitions from their content.
package correlator

import (
	"context"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/idempotency"
	drawotel "github.com/basket/drawproxy/internal/otel"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

const (
	markerStopped = "(Stopped)"
	markerWaiting = "(Waiting to start)"
)

var (
	progressPattern = regexp.MustCompile(`\((\d{1,3})%\)`)
	errorPattern    = regexp.MustCompile(`(?i)invalid prompt|banned prompt|blocked by moderation|content policy`)
)

// Instance is the view of an upstream instance the correlator needs to
// resolve an event to one of its running tasks.
// internal/instance.Instance satisfies this.
type Instance interface {
	ByNonce(nonce string) (*task.Task, bool)
	ByMessageID(id string) (*task.Task, bool)
	RunningTasks() []*task.Task
}

// InstanceLookup resolves a channel id to its instance, if one is
// registered for it.
type InstanceLookup func(channelID string) (Instance, bool)

// Correlator demultiplexes upstream events to running tasks.
type Correlator struct {
	store   *store.Store
	bus     *bus.Bus
	lookup  InstanceLookup
	seen    *idempotency.SeenSet
	log     *slog.Logger
	metrics *drawotel.Metrics
}

// New constructs a Correlator. lookup resolves channel ids to the
// instance that owns them.
func New(s *store.Store, b *bus.Bus, lookup InstanceLookup, seen *idempotency.SeenSet, log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{store: s, bus: b, lookup: lookup, seen: seen, log: log}
}

// SetMetrics attaches the hit/miss counters Ingest records against. Nil
// disables recording; this is safe to call once after New.
func (c *Correlator) SetMetrics(m *drawotel.Metrics) {
	c.metrics = m
}

// Ingest processes one upstream event: dedup, resolve to a task, apply
// the resulting progress or terminal transition.
func (c *Correlator) Ingest(ctx context.Context, ev EventData) error {
	if ev.ID != "" && c.seen.MarkSeen(ev.ID) {
		if c.metrics != nil && c.metrics.IdempotentReplays != nil {
			c.metrics.IdempotentReplays.Add(ctx, 1)
		}
		return nil
	}

	inst, ok := c.lookup(ev.ChannelID)
	if !ok {
		c.missCorrelation(ctx)
		c.publishDropped(ev, "unknown channel")
		return nil
	}

	t := c.resolve(inst, ev)
	if t == nil {
		c.missCorrelation(ctx)
		c.publishDropped(ev, "no matching task")
		return nil
	}
	if c.metrics != nil && c.metrics.CorrelationHits != nil {
		c.metrics.CorrelationHits.Add(ctx, 1)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	return c.apply(ctx, t, ev)
}

func (c *Correlator) missCorrelation(ctx context.Context) {
	if c.metrics != nil && c.metrics.CorrelationMisses != nil {
		c.metrics.CorrelationMisses.Add(ctx, 1)
	}
}

// resolve applies the correlation priority: nonce, then messageId, then
// referencedMessageId, then a content-regex prompt match against
// in-flight tasks on the same instance.
func (c *Correlator) resolve(inst Instance, ev EventData) *task.Task {
	if ev.Nonce != "" {
		if t, ok := inst.ByNonce(ev.Nonce); ok {
			return t
		}
	}
	if ev.ID != "" {
		if t, ok := inst.ByMessageID(ev.ID); ok {
			return t
		}
	}
	if ev.ReferencedMessageID != "" {
		if t, ok := inst.ByMessageID(ev.ReferencedMessageID); ok {
			return t
		}
	}
	return matchByContent(inst, ev.Content)
}

// matchByContent tries the reroll/variation header shapes against the
// prompt of every task currently running on inst.
func matchByContent(inst Instance, content string) *task.Task {
	if content == "" {
		return nil
	}
	m, ok := task.ParseRerollHeader(content)
	if !ok {
		return nil
	}
	want := strings.TrimSpace(m.Prompt)
	for _, t := range inst.RunningTasks() {
		if strings.EqualFold(strings.TrimSpace(t.Prompt), want) {
			return t
		}
	}
	return nil
}

// apply interprets ev against t: recording the first-correlation
// properties, then deciding between a progress update and a terminal
// transition.
func (c *Correlator) apply(ctx context.Context, t *task.Task, ev EventData) error {
	firstCorrelation := t.Properties.MessageID == ""
	if firstCorrelation && ev.ID != "" {
		t.Properties.MessageID = ev.ID
		t.Properties.MessageHash = messageHash(ev.Attachments)
		if m, ok := task.ParseRerollHeader(ev.Content); ok {
			t.Properties.FinalPrompt = strings.TrimSpace(m.Prompt)
		}
	}
	if ev.InteractionMetadata != nil {
		t.Properties.InteractionMetadataID = ev.InteractionMetadata.ID
	}
	t.Buttons = buttonsFromComponents(ev.Components, t.Buttons)

	isStopped := strings.Contains(ev.Content, markerStopped)
	isWaiting := strings.Contains(ev.Content, markerWaiting)
	hasImage := len(ev.Attachments) > 0 && ev.Attachments[0].URL != ""

	switch {
	case isStopped:
		return c.terminal(ctx, t, task.StatusFailure, "stopped")
	case errorPattern.MatchString(ev.Content):
		return c.terminal(ctx, t, task.StatusFailure, errorPattern.FindString(ev.Content))
	case hasImage && !isWaiting:
		t.ImageURL = ev.Attachments[0].URL
		if len(ev.Components) == 0 {
			hash := messageHash(ev.Attachments)
			if hash == "" {
				hash = t.Properties.MessageHash
			}
			t.Properties.MessageHash = hash
			t.Buttons = task.BuildButtonGrid(hash)
		}
		return c.terminal(ctx, t, task.StatusSuccess, "")
	default:
		return c.progress(ctx, t, ev)
	}
}

func (c *Correlator) progress(ctx context.Context, t *task.Task, ev EventData) error {
	if m := progressPattern.FindStringSubmatch(ev.Content); m != nil {
		t.Progress = m[1] + "%"
	}
	if len(ev.Attachments) > 0 {
		t.ImageURL = ev.Attachments[0].URL
	}
	if err := c.store.Save(ctx, t); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{
			TaskID: t.ID, Progress: t.Progress, ImageURL: t.ImageURL,
		})
	}
	return nil
}

func (c *Correlator) terminal(ctx context.Context, t *task.Task, status task.Status, reason string) error {
	t.Status = status
	t.FailReason = reason
	if err := c.store.Save(ctx, t); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskTerminal, bus.TaskTerminalEvent{
			TaskID: t.ID, Status: string(status), FailReason: reason,
		})
	}
	return nil
}

func (c *Correlator) publishDropped(ev EventData, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.TopicCorrelatorDropped, bus.CorrelatorDroppedEvent{
		EventID: ev.ID, ChannelID: ev.ChannelID, Reason: reason,
	})
}

// messageHash extracts the stable hash segment from the first
// attachment's URL, typically the filename without its extension.
func messageHash(attachments []Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	base := path.Base(attachments[0].URL)
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}

func buttonsFromComponents(components []Component, existing []task.Button) []task.Button {
	if len(components) == 0 {
		return existing
	}
	out := make([]task.Button, 0, len(components))
	for _, comp := range components {
		parsed := task.ParseCustomID(comp.CustomID)
		out = append(out, task.Button{CustomID: comp.CustomID, Label: string(parsed.Kind)})
	}
	return out
}
