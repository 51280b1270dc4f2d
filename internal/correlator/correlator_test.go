package correlator_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/correlator"
	"github.com/basket/drawproxy/internal/idempotency"
	drawotel "github.com/basket/drawproxy/internal/otel"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

// fakeInstance is a minimal stand-in for *instance.Instance.
type fakeInstance struct {
	mu      sync.Mutex
	byNonce map[string]*task.Task
	byMsgID map[string]*task.Task
	running []*task.Task
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{byNonce: map[string]*task.Task{}, byMsgID: map[string]*task.Task{}}
}

func (f *fakeInstance) ByNonce(nonce string) (*task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byNonce[nonce]
	return t, ok
}

func (f *fakeInstance) ByMessageID(id string) (*task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byMsgID[id]
	return t, ok
}

func (f *fakeInstance) RunningTasks() []*task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "drawproxy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCorrelator(t *testing.T, s *store.Store, b *bus.Bus, inst *fakeInstance) *correlator.Correlator {
	lookup := func(channelID string) (correlator.Instance, bool) {
		if channelID != "chan-1" {
			return nil, false
		}
		return inst, true
	}
	return correlator.New(s, b, lookup, idempotency.NewSeenSet(1024), nil)
}

func TestIngestResolvesByNonceAndMarksProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress, Prompt: "a cat"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byNonce["nonce-1"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-1", ChannelID: "chan-1", Nonce: "nonce-1",
		Content: "a cat (33%)",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != "33%" {
		t.Fatalf("expected progress 33%%, got %q", got.Progress)
	}
	if got.Properties.MessageID != "msg-1" {
		t.Fatalf("expected message id recorded on first correlation, got %q", got.Properties.MessageID)
	}
}

func TestSetMetricsRecordsMissesAndHits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress, Prompt: "a dog"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-1"] = tk

	provider, err := drawotel.Init(ctx, drawotel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	defer provider.Shutdown(ctx)
	metrics, err := drawotel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	c := newCorrelator(t, s, bus.New(), inst)
	c.SetMetrics(metrics)

	// unknown channel: should record a correlation miss without panicking.
	if err := c.Ingest(ctx, correlator.EventData{ID: "e1", ChannelID: "unknown-chan"}); err != nil {
		t.Fatalf("ingest unknown channel: %v", err)
	}

	// resolves by messageId: should record a correlation hit.
	if err := c.Ingest(ctx, correlator.EventData{ID: "msg-1", ChannelID: "chan-1", Content: "(50%)"}); err != nil {
		t.Fatalf("ingest known message: %v", err)
	}
}

func TestIngestTerminalSuccessOnImageAttachment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress, Prompt: "a dog"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-1"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-1", ChannelID: "chan-1",
		Content:     "a dog - <@123> (fast)",
		Attachments: []correlator.Attachment{{URL: "https://cdn.example/abc123.png"}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %v", got.Status)
	}
	if got.ImageURL != "https://cdn.example/abc123.png" {
		t.Fatalf("expected image url set, got %q", got.ImageURL)
	}
}

func TestIngestTerminalSuccessSynthesizesButtonGrid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress, Prompt: "a dog"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-1"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-1", ChannelID: "chan-1",
		Content:     "a dog - <@123> (fast)",
		Attachments: []correlator.Attachment{{URL: "https://cdn.example/abc123.png"}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Buttons) < 4 {
		t.Fatalf("expected a button grid of at least 4 buttons, got %d", len(got.Buttons))
	}
	want := map[string]bool{
		"MJ::JOB::upsample::1::abc123":  true,
		"MJ::JOB::upsample::4::abc123":  true,
		"MJ::JOB::variation::1::abc123": true,
		"MJ::JOB::variation::4::abc123": true,
		"MJ::JOB::reroll::0::abc123":    true,
	}
	for _, b := range got.Buttons {
		delete(want, b.CustomID)
	}
	if len(want) != 0 {
		t.Fatalf("missing expected button customIds: %v", want)
	}
}

func TestIngestTerminalSuccessKeepsRealComponentsWhenPresent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress, Prompt: "a dog"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-1"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-1", ChannelID: "chan-1",
		Content:     "a dog - <@123> (fast)",
		Attachments: []correlator.Attachment{{URL: "https://cdn.example/abc123.png"}},
		Components:  []correlator.Component{{CustomID: "MJ::JOB::upsample::1::real"}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Buttons) != 1 || got.Buttons[0].CustomID != "MJ::JOB::upsample::1::real" {
		t.Fatalf("expected real components to be kept as-is, got %+v", got.Buttons)
	}
}

func TestIngestTerminalFailureOnStoppedMarker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-1"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	if err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-1", ChannelID: "chan-1", Content: "a dog (Stopped)",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailure || got.FailReason != "stopped" {
		t.Fatalf("expected FAILURE/stopped, got %v/%q", got.Status, got.FailReason)
	}
}

func TestIngestIgnoresDuplicateEventID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-1"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	ev := correlator.EventData{ID: "msg-1", ChannelID: "chan-1", Content: "a dog (10%)"}
	if err := c.Ingest(ctx, ev); err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	// Second delivery of the same event id should be dropped silently,
	// leaving the stored progress unchanged even though content differs.
	ev2 := correlator.EventData{ID: "msg-1", ChannelID: "chan-1", Content: "a dog (90%)"}
	if err := c.Ingest(ctx, ev2); err != nil {
		t.Fatalf("ingest 2: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != "10%" {
		t.Fatalf("expected dedup to drop the second event, got progress %q", got.Progress)
	}
}

func TestIngestFallsBackToContentRegexMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusInProgress, Prompt: "a red fox"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.running = []*task.Task{tk}

	c := newCorrelator(t, s, bus.New(), inst)
	err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-9", ChannelID: "chan-1",
		Content: "**a red fox** - <@999> (relax)",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Properties.MessageID != "msg-9" {
		t.Fatalf("expected content-regex fallback to resolve the task, got message id %q", got.Properties.MessageID)
	}
}

func TestIngestSkipsTerminalTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := newFakeInstance()

	tk := &task.Task{ID: "t1", Status: task.StatusSuccess, ImageURL: "https://cdn.example/final.png"}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	inst.byMsgID["msg-2"] = tk

	c := newCorrelator(t, s, bus.New(), inst)
	if err := c.Ingest(ctx, correlator.EventData{
		ID: "msg-2", ChannelID: "chan-1", Content: "a dog (50%)",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != "" || got.Status != task.StatusSuccess {
		t.Fatalf("expected terminal task to remain untouched, got status=%v progress=%q", got.Status, got.Progress)
	}
}
