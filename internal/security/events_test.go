package security

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perkstack/loyalty-core/libs/logging"
)

func newTestLogger(t *testing.T, opts Options) *Logger {
	t.Helper()
	if opts.CleanupEvery == 0 {
		opts.CleanupEvery = time.Hour
	}
	s := NewLogger(opts, logging.NewNop())
	t.Cleanup(s.Close)
	return s
}

func TestClassify(t *testing.T) {
	cases := []struct {
		eventType string
		want      Severity
	}{
		{"authorization_business_mismatch", SeverityCritical},
		{"brute_force_distributed", SeverityCritical},
		{"tamper_qr_signature", SeverityCritical},
		{"authentication_failed", SeverityHigh},
		{"replay_nonce_reused", SeverityHigh},
		{"rate_limit_exceeded", SeverityHigh},
		{"suspicious_scan_pattern", SeverityHigh},
		{"validation_qr_rejected", SeverityMedium},
		{"decrypt_failed", SeverityMedium},
		{"info_scan_completed", SeverityLow},
	}
	for _, tc := range cases {
		if got := Classify(tc.eventType); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.eventType, got, tc.want)
		}
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	s := newTestLogger(t, Options{})

	s.Record(Event{Type: "validation_qr_rejected", IP: "203.0.113.7"})

	events := s.Recent(10, SeverityLow)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.ID == "" {
		t.Fatalf("expected generated id")
	}
	if evt.Severity != SeverityMedium {
		t.Fatalf("expected classified severity, got %s", evt.Severity)
	}
	if evt.Timestamp.IsZero() {
		t.Fatalf("expected timestamp set")
	}
}

func TestRingCapsOldestFirst(t *testing.T) {
	s := newTestLogger(t, Options{MaxEvents: 3})

	for _, id := range []string{"a", "b", "c", "d"} {
		s.Record(Event{ID: id, Type: "info_scan"})
	}

	events := s.Recent(10, SeverityLow)
	if len(events) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(events))
	}
	if events[0].ID != "d" {
		t.Fatalf("expected newest first, got %s", events[0].ID)
	}
	for _, evt := range events {
		if evt.ID == "a" {
			t.Fatalf("expected oldest event evicted")
		}
	}
}

func TestRecentFiltersBySeverity(t *testing.T) {
	s := newTestLogger(t, Options{})

	s.Record(Event{Type: "info_scan"})
	s.Record(Event{Type: "validation_qr_rejected"})
	s.Record(Event{Type: "rate_limit_exceeded"})
	s.Record(Event{Type: "tamper_qr_signature"})

	high := s.Recent(10, SeverityHigh)
	if len(high) != 2 {
		t.Fatalf("expected 2 events at or above high, got %d", len(high))
	}
	for _, evt := range high {
		if severityRank[evt.Severity] < severityRank[SeverityHigh] {
			t.Fatalf("unexpected severity %s in filtered result", evt.Severity)
		}
	}
}

func TestRecordRedactsSensitiveDetails(t *testing.T) {
	s := newTestLogger(t, Options{})

	s.Record(Event{
		Type: "validation_qr_rejected",
		Details: map[string]any{
			"password":   "hunter2",
			"auth_token": "abc123",
			"reason":     "bad signature",
			"raw":        strings.Repeat("x", 2000),
			"nested": map[string]any{
				"session_key": "s3cr3t",
				"field":       "name",
			},
		},
	})

	evt := s.Recent(1, SeverityLow)[0]
	if evt.Details["password"] != "[REDACTED]" {
		t.Fatalf("expected password redacted, got %v", evt.Details["password"])
	}
	if evt.Details["auth_token"] != "[REDACTED]" {
		t.Fatalf("expected token redacted, got %v", evt.Details["auth_token"])
	}
	if evt.Details["reason"] != "bad signature" {
		t.Fatalf("expected benign detail preserved, got %v", evt.Details["reason"])
	}
	raw, _ := evt.Details["raw"].(string)
	if !strings.HasSuffix(raw, "...(truncated)") || len(raw) >= 2000 {
		t.Fatalf("expected long value truncated, got %d chars", len(raw))
	}
	nested, _ := evt.Details["nested"].(map[string]any)
	if nested["session_key"] != "[REDACTED]" {
		t.Fatalf("expected nested secret redacted, got %v", nested["session_key"])
	}
}

type capturingPersister struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturingPersister) InsertSecurityEvent(ctx context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestHighSeverityEventsReachPersister(t *testing.T) {
	persister := &capturingPersister{}
	s := newTestLogger(t, Options{Persister: persister})

	s.Record(Event{Type: "info_scan"})
	s.Record(Event{Type: "tamper_qr_signature"})

	deadline := time.Now().Add(2 * time.Second)
	for persister.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := persister.count(); got != 1 {
		t.Fatalf("expected only the critical event persisted, got %d", got)
	}
	persister.mu.Lock()
	defer persister.mu.Unlock()
	if persister.events[0].Type != "tamper_qr_signature" {
		t.Fatalf("unexpected persisted event %s", persister.events[0].Type)
	}
}

func TestRepeatedLoginFailuresEscalate(t *testing.T) {
	s := newTestLogger(t, Options{})

	for i := 0; i < 5; i++ {
		s.RecordLoginFailure("jane@x.com", "203.0.113.7")
	}

	events := s.Recent(10, SeverityHigh)
	if len(events) != 1 {
		t.Fatalf("expected a single escalation, got %d", len(events))
	}
	if events[0].Type != "authentication_repeated_failure" {
		t.Fatalf("unexpected event type %s", events[0].Type)
	}
	if events[0].Severity != SeverityHigh {
		t.Fatalf("unexpected severity %s", events[0].Severity)
	}
}

func TestDistributedLoginFailuresAreCritical(t *testing.T) {
	s := newTestLogger(t, Options{})

	s.RecordLoginFailure("jane@x.com", "203.0.113.1")
	s.RecordLoginFailure("jane@x.com", "203.0.113.2")
	s.RecordLoginFailure("jane@x.com", "203.0.113.3")

	events := s.Recent(10, SeverityCritical)
	if len(events) != 1 {
		t.Fatalf("expected a critical escalation, got %d", len(events))
	}
	if events[0].Type != "brute_force_distributed" {
		t.Fatalf("unexpected event type %s", events[0].Type)
	}

	count, distinct := s.FailureCount("jane@x.com")
	if count != 3 || distinct != 3 {
		t.Fatalf("expected 3 failures over 3 IPs, got %d/%d", count, distinct)
	}
}

func TestFailureStateExpires(t *testing.T) {
	s := newTestLogger(t, Options{})
	now := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	s.RecordLoginFailure("jane@x.com", "203.0.113.7")
	s.RecordLoginFailure("jane@x.com", "203.0.113.7")

	now = now.Add(2 * time.Hour)
	s.RecordLoginFailure("jane@x.com", "203.0.113.7")

	count, _ := s.FailureCount("jane@x.com")
	if count != 1 {
		t.Fatalf("expected stale window discarded, got count %d", count)
	}
}

func TestSweepDropsOldEvents(t *testing.T) {
	s := newTestLogger(t, Options{EventWindow: 24 * time.Hour})
	now := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	s.Record(Event{ID: "old", Type: "info_scan"})
	now = now.Add(25 * time.Hour)
	s.Record(Event{ID: "fresh", Type: "info_scan"})

	s.mu.Lock()
	s.sweepLocked(now)
	left := len(s.events)
	var id string
	if left > 0 {
		id = s.events[0].ID
	}
	s.mu.Unlock()

	if left != 1 || id != "fresh" {
		t.Fatalf("expected only the fresh event kept, got %d (%s)", left, id)
	}
}
