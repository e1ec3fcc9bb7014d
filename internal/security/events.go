package security

import (
	"context"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/perkstack/loyalty-core/libs/kafka"
	"github.com/perkstack/loyalty-core/libs/metrics"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	ScanType    string         `json:"scan_type,omitempty"`
	BusinessID  string         `json:"business_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Severity    Severity       `json:"severity"`
}

// Classify assigns a severity tier from the event type. Authorization
// failures outrank authentication failures; validation noise stays medium.
func Classify(eventType string) Severity {
	switch {
	case strings.HasPrefix(eventType, "authorization_"),
		strings.HasPrefix(eventType, "brute_force"),
		strings.HasPrefix(eventType, "tamper"):
		return SeverityCritical
	case strings.HasPrefix(eventType, "authentication_"),
		strings.HasPrefix(eventType, "replay_"),
		strings.HasPrefix(eventType, "rate_limit_"),
		strings.HasPrefix(eventType, "suspicious_"):
		return SeverityHigh
	case strings.HasPrefix(eventType, "validation_"),
		strings.HasPrefix(eventType, "decrypt_"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Persister durably stores high-severity events. Implemented by the
// postgres store.
type Persister interface {
	InsertSecurityEvent(ctx context.Context, evt Event) error
}

type Options struct {
	// MaxEvents caps the in-memory ring. EventWindow trims entries older
	// than the retention horizon during cleanup.
	MaxEvents    int
	EventWindow  time.Duration
	CleanupEvery time.Duration

	Persister   Persister
	Alerts      kafka.Publisher
	AlertsTopic string
}

func (o Options) withDefaults() Options {
	if o.MaxEvents <= 0 {
		o.MaxEvents = 1000
	}
	if o.EventWindow <= 0 {
		o.EventWindow = 24 * time.Hour
	}
	if o.CleanupEvery <= 0 {
		o.CleanupEvery = 10 * time.Minute
	}
	return o
}

type Logger struct {
	mu       sync.Mutex
	opts     Options
	events   []Event
	failures map[string]*loginFailure

	logger *slog.Logger
	clock  func() time.Time

	sink      chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewLogger(opts Options, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Logger{
		opts:     opts.withDefaults(),
		failures: map[string]*loginFailure{},
		logger:   logger,
		clock:    time.Now,
		sink:     make(chan Event, 128),
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.cleanupLoop()
	go s.sinkLoop()
	return s
}

func (s *Logger) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Record classifies, redacts and appends an event. High and critical events
// are additionally queued for durable persistence and alert publishing; that
// path is best-effort and never fails the caller.
func (s *Logger) Record(evt Event) {
	if evt.Severity == "" {
		evt.Severity = Classify(evt.Type)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock()
	}
	evt.Details = redactDetails(evt.Details)

	s.mu.Lock()
	s.events = append(s.events, evt)
	if len(s.events) > s.opts.MaxEvents {
		s.events = s.events[len(s.events)-s.opts.MaxEvents:]
	}
	s.mu.Unlock()

	metrics.SecurityEvents.WithLabelValues(string(evt.Severity)).Inc()
	s.logger.Log(context.Background(), slogLevel(evt.Severity), "security event",
		"event_type", evt.Type,
		"severity", evt.Severity,
		"ip", evt.IP,
		"business_id", evt.BusinessID,
	)

	if severityRank[evt.Severity] >= severityRank[SeverityHigh] {
		select {
		case s.sink <- evt:
		default:
			s.logger.Warn("security event sink full, dropping durable write", "event_type", evt.Type)
		}
	}
}

// RecordEvent is the convenience form used by collaborators that only have
// loose fields.
func (s *Logger) RecordEvent(eventType string, severity Severity, ip string, details map[string]any) {
	s.Record(Event{Type: eventType, Severity: severity, IP: ip, Details: details})
}

// Recent returns up to limit events at or above the given severity, newest
// first.
func (s *Logger) Recent(limit int, minSeverity Severity) []Event {
	if limit <= 0 {
		limit = 100
	}
	minRank, ok := severityRank[minSeverity]
	if !ok {
		minRank = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if severityRank[s.events[i].Severity] >= minRank {
			out = append(out, s.events[i])
		}
	}
	return out
}

func (s *Logger) sinkLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.sink:
			s.persistAndAlert(evt)
		}
	}
}

func (s *Logger) persistAndAlert(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if s.opts.Persister != nil {
		if err := s.opts.Persister.InsertSecurityEvent(ctx, evt); err != nil {
			s.logger.Error("security event persist failed", "event_type", evt.Type, "error", err)
		}
	}
	if s.opts.Alerts != nil && s.opts.AlertsTopic != "" {
		alert := kafka.NewAlertEvent(evt.Type, string(evt.Severity), "loyalty-core", evt.Timestamp, evt.Details)
		if _, _, err := s.opts.Alerts.PublishJSON(ctx, s.opts.AlertsTopic, evt.ID, alert); err != nil {
			s.logger.Error("security alert publish failed", "event_type", evt.Type, "error", err)
		}
	}
}

func (s *Logger) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked(s.clock())
			s.mu.Unlock()
		}
	}
}

func (s *Logger) sweepLocked(now time.Time) {
	cutoff := now.Add(-s.opts.EventWindow)
	kept := s.events[:0]
	for _, evt := range s.events {
		if evt.Timestamp.After(cutoff) {
			kept = append(kept, evt)
		}
	}
	s.events = kept

	failureCutoff := now.Add(-failureWindow)
	for email, f := range s.failures {
		if f.last.Before(failureCutoff) {
			delete(s.failures, email)
		}
	}
}

func slogLevel(severity Severity) slog.Level {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
