package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.SubmitDuration == nil {
		t.Error("SubmitDuration is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.UploadDuration == nil {
		t.Error("UploadDuration is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.SelectorMisses == nil {
		t.Error("SelectorMisses is nil")
	}
	if m.CorrelationHits == nil {
		t.Error("CorrelationHits is nil")
	}
	if m.CorrelationMisses == nil {
		t.Error("CorrelationMisses is nil")
	}
	if m.BannedPromptRejects == nil {
		t.Error("BannedPromptRejects is nil")
	}
	if m.IdempotentReplays == nil {
		t.Error("IdempotentReplays is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
