package rate

import "time"

// Suspicion scoring is behavioral: it looks at the recent scan history, not
// the hard counters, and can block an IP whose discrete counters are all
// still within limits.
const (
	suspicionThreshold = 80
	suspicionMax       = 100

	rapidScanWindow = time.Minute
	rapidScanWeight = 5
	rapidScanCap    = 50

	distinctIPWindow = 5 * time.Minute
	distinctIPWeight = 8
	distinctIPCap    = 40

	scanHistoryWindow = distinctIPWindow
)

func (l *Limiter) suspicionLocked(p Params, now time.Time) int {
	score := 0

	if p.IP != "" {
		rapidCutoff := now.Add(-rapidScanWindow)
		rapid := 0
		for _, s := range l.scans {
			if s.ip == p.IP && s.at.After(rapidCutoff) {
				rapid++
			}
		}
		ipScore := rapid * rapidScanWeight
		if ipScore > rapidScanCap {
			ipScore = rapidScanCap
		}
		score += ipScore
	}

	if p.BusinessID != "" {
		distinctCutoff := now.Add(-distinctIPWindow)
		seen := map[string]struct{}{}
		for _, s := range l.scans {
			if s.businessID == p.BusinessID && s.at.After(distinctCutoff) {
				seen[s.ip] = struct{}{}
			}
		}
		bizScore := len(seen) * distinctIPWeight
		if bizScore > distinctIPCap {
			bizScore = distinctIPCap
		}
		score += bizScore
	}

	if score > suspicionMax {
		score = suspicionMax
	}
	return score
}
