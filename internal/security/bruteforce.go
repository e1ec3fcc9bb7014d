package security

import "time"

// Brute-force thresholds: repeated failures for one account raise a high
// alert; the same account attacked from several addresses raises a critical
// one. Tracked state expires after an hour.
const (
	failureAlertCount = 5
	distinctIPAlert   = 3
	failureWindow     = time.Hour
)

type loginFailure struct {
	count int
	ips   map[string]struct{}
	first time.Time
	last  time.Time
}

// RecordLoginFailure tracks a failed login for brute-force detection and
// emits the escalation events when thresholds are crossed.
func (s *Logger) RecordLoginFailure(email, ip string) {
	now := s.clock()

	s.mu.Lock()
	f, ok := s.failures[email]
	if !ok || now.Sub(f.last) > failureWindow {
		f = &loginFailure{ips: map[string]struct{}{}, first: now}
		s.failures[email] = f
	}
	f.count++
	f.last = now
	if ip != "" {
		f.ips[ip] = struct{}{}
	}
	count := f.count
	distinct := len(f.ips)
	s.mu.Unlock()

	details := map[string]any{
		"failure_count": count,
		"distinct_ips":  distinct,
	}

	switch {
	case distinct >= distinctIPAlert:
		s.Record(Event{
			Type:     "brute_force_distributed",
			Severity: SeverityCritical,
			IP:       ip,
			Details:  details,
		})
	case count >= failureAlertCount:
		s.Record(Event{
			Type:     "authentication_repeated_failure",
			Severity: SeverityHigh,
			IP:       ip,
			Details:  details,
		})
	}
}

// FailureCount reports the tracked failure state for one account.
func (s *Logger) FailureCount(email string) (count int, distinctIPs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[email]
	if !ok {
		return 0, 0
	}
	return f.count, len(f.ips)
}
