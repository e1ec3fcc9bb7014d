package rate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/perkstack/loyalty-core/libs/metrics"
)

type Dimension string

const (
	DimensionBusiness Dimension = "business"
	DimensionIP       Dimension = "ip"
	DimensionDevice   Dimension = "device"
	DimensionUser     Dimension = "user"
	DimensionGlobalIP Dimension = "global_ip"
)

// Record is the per-key counter state. One record exists per
// (scan type × dimension) combination, plus one per IP for the global
// ceiling. The in-memory copy is authoritative; the backing store is
// best-effort.
type Record struct {
	Key           string        `json:"key"`
	Dimension     Dimension     `json:"dimension"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	WindowStart   time.Time     `json:"window_start"`
	Window        time.Duration `json:"window"`
	BlockUntil    time.Time     `json:"block_until,omitempty"`
	DailyAttempts int           `json:"daily_attempts"`
	DailyReset    time.Time     `json:"daily_reset"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Limits struct {
	MaxAttempts int
	Window      time.Duration
	BlockFor    time.Duration
	DailyMax    int
}

type Config struct {
	// Scan applies to the business, IP, device and user dimensions of each
	// scan type. GlobalIP is the per-IP ceiling independent of scan type.
	Scan     Limits
	GlobalIP Limits

	SuspicionBlock time.Duration
	MaxRecords     int
	CleanupEvery   time.Duration
	Location       *time.Location
}

func (c Config) withDefaults() Config {
	if c.Scan.MaxAttempts <= 0 {
		c.Scan.MaxAttempts = 20
	}
	if c.Scan.Window <= 0 {
		c.Scan.Window = time.Minute
	}
	if c.Scan.BlockFor <= 0 {
		c.Scan.BlockFor = 5 * time.Minute
	}
	if c.GlobalIP.MaxAttempts <= 0 {
		c.GlobalIP.MaxAttempts = 50
	}
	if c.GlobalIP.Window <= 0 {
		c.GlobalIP.Window = 5 * time.Minute
	}
	if c.GlobalIP.BlockFor <= 0 {
		c.GlobalIP.BlockFor = 15 * time.Minute
	}
	if c.GlobalIP.DailyMax <= 0 {
		c.GlobalIP.DailyMax = 1000
	}
	if c.SuspicionBlock <= 0 {
		c.SuspicionBlock = 15 * time.Minute
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = 10000
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 5 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Params identifies one scan attempt across every limited dimension.
type Params struct {
	ScanType    string
	BusinessID  string
	IP          string
	Fingerprint string
	UserID      string
}

type Decision struct {
	Allowed   bool
	Dimension Dimension
	Key       string
	ResetAt   time.Time
	Remaining int
	Suspicion int
}

type RateLimitError struct {
	Key       string
	Dimension Dimension
	ResetAt   time.Time
	Remaining int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded on %s (%s), resets %s", e.Key, e.Dimension, e.ResetAt.Format(time.RFC3339))
}

// Store persists records across processes. Both methods are best-effort:
// the limiter logs failures and keeps enforcing from memory.
type Store interface {
	SaveRecord(ctx context.Context, rec *Record) error
	LoadRecord(ctx context.Context, key string) (*Record, error)
}

type scanEvent struct {
	ip         string
	businessID string
	at         time.Time
}

type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*Record
	scans   []scanEvent

	store  Store
	queue  chan Record
	logger *slog.Logger
	clock  func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		records: map[string]*Record{},
		store:   store,
		queue:   make(chan Record, 256),
		logger:  logger,
		clock:   time.Now,
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.cleanupLoop()
	if store != nil {
		l.wg.Add(1)
		go l.persistLoop()
	}
	return l
}

// Close stops the background loops and waits for them.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

type dimensionKey struct {
	key    string
	dim    Dimension
	limits Limits
}

func (l *Limiter) dimensionKeys(p Params) []dimensionKey {
	scanType := p.ScanType
	if scanType == "" {
		scanType = "unknown"
	}

	var keys []dimensionKey
	if p.BusinessID != "" {
		keys = append(keys, dimensionKey{"scan:" + scanType + ":business:" + p.BusinessID, DimensionBusiness, l.cfg.Scan})
	}
	if p.IP != "" {
		keys = append(keys, dimensionKey{"scan:" + scanType + ":ip:" + p.IP, DimensionIP, l.cfg.Scan})
	}
	if p.Fingerprint != "" {
		keys = append(keys, dimensionKey{"scan:" + scanType + ":device:" + p.Fingerprint, DimensionDevice, l.cfg.Scan})
	}
	if p.UserID != "" {
		keys = append(keys, dimensionKey{"scan:" + scanType + ":user:" + p.UserID, DimensionUser, l.cfg.Scan})
	}
	if p.IP != "" {
		keys = append(keys, dimensionKey{"global:ip:" + p.IP, DimensionGlobalIP, l.cfg.GlobalIP})
	}
	return keys
}

// Check evaluates every dimension plus the suspicion score without mutating
// counters. The first violated dimension wins.
func (l *Limiter) Check(ctx context.Context, p Params) Decision {
	keys := l.dimensionKeys(p)
	l.warm(ctx, keys)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(p, keys, l.clock())
}

func (l *Limiter) checkLocked(p Params, keys []dimensionKey, now time.Time) Decision {
	suspicion := l.suspicionLocked(p, now)
	if suspicion > suspicionThreshold {
		return Decision{
			Allowed:   false,
			Dimension: DimensionIP,
			Key:       "suspicion:ip:" + p.IP,
			ResetAt:   now.Add(l.cfg.SuspicionBlock),
			Suspicion: suspicion,
		}
	}

	for _, dk := range keys {
		rec, ok := l.records[dk.key]
		if !ok {
			continue
		}

		if now.Before(rec.BlockUntil) {
			return Decision{Allowed: false, Dimension: dk.dim, Key: dk.key, ResetAt: rec.BlockUntil, Suspicion: suspicion}
		}

		if dk.limits.DailyMax > 0 && now.Before(rec.DailyReset) && rec.DailyAttempts >= dk.limits.DailyMax {
			return Decision{Allowed: false, Dimension: dk.dim, Key: dk.key, ResetAt: rec.DailyReset, Suspicion: suspicion}
		}

		windowEnd := rec.WindowStart.Add(rec.Window)
		if now.Before(windowEnd) && rec.Attempts >= rec.MaxAttempts {
			resetAt := windowEnd
			if rec.BlockUntil.After(resetAt) {
				resetAt = rec.BlockUntil
			}
			return Decision{Allowed: false, Dimension: dk.dim, Key: dk.key, ResetAt: resetAt, Suspicion: suspicion}
		}
	}

	remaining := l.cfg.Scan.MaxAttempts
	for _, dk := range keys {
		if rec, ok := l.records[dk.key]; ok && l.clockWithin(rec, now) {
			if r := dk.limits.MaxAttempts - rec.Attempts; r < remaining {
				remaining = r
			}
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, Suspicion: suspicion}
}

func (l *Limiter) clockWithin(rec *Record, now time.Time) bool {
	return now.Before(rec.WindowStart.Add(rec.Window))
}

// Increment bumps every applicable dimension counter. Window rollover resets
// the attempt count and clears an expired block; a counter reaching its max
// sets the block immediately.
func (l *Limiter) Increment(ctx context.Context, p Params) {
	keys := l.dimensionKeys(p)

	l.mu.Lock()
	now := l.clock()
	dirty := l.incrementLocked(p, keys, now)
	l.mu.Unlock()

	for _, rec := range dirty {
		l.enqueue(rec)
	}
}

func (l *Limiter) incrementLocked(p Params, keys []dimensionKey, now time.Time) []Record {
	dirty := make([]Record, 0, len(keys))
	for _, dk := range keys {
		rec, ok := l.records[dk.key]
		if !ok {
			rec = &Record{
				Key:         dk.key,
				Dimension:   dk.dim,
				MaxAttempts: dk.limits.MaxAttempts,
				WindowStart: now,
				Window:      dk.limits.Window,
				DailyReset:  nextMidnight(now, l.cfg.Location),
				CreatedAt:   now,
			}
			l.records[dk.key] = rec
		}

		if !now.Before(rec.WindowStart.Add(rec.Window)) {
			rec.Attempts = 0
			rec.WindowStart = now
			if !rec.BlockUntil.IsZero() && now.After(rec.BlockUntil) {
				rec.BlockUntil = time.Time{}
			}
		}

		rec.Attempts++
		if rec.Attempts >= rec.MaxAttempts && !now.Before(rec.BlockUntil) {
			rec.BlockUntil = now.Add(dk.limits.BlockFor)
		}

		if !now.Before(rec.DailyReset) {
			rec.DailyAttempts = 0
			rec.DailyReset = nextMidnight(now, l.cfg.Location)
		}
		rec.DailyAttempts++

		rec.UpdatedAt = now
		dirty = append(dirty, *rec)
	}

	if p.IP != "" {
		l.scans = append(l.scans, scanEvent{ip: p.IP, businessID: p.BusinessID, at: now})
	}
	return dirty
}

// Enforce is the check-then-act entry point used by request handlers. The
// two steps are atomic within this process only; cross-process drift is a
// bounded, accepted cost.
func (l *Limiter) Enforce(ctx context.Context, p Params) error {
	keys := l.dimensionKeys(p)
	l.warm(ctx, keys)

	l.mu.Lock()
	now := l.clock()
	decision := l.checkLocked(p, keys, now)
	if !decision.Allowed {
		if decision.Suspicion > suspicionThreshold && p.IP != "" {
			l.forceBlockLocked("global:ip:"+p.IP, DimensionGlobalIP, now)
		}
		l.mu.Unlock()

		metrics.RateLimitRejections.WithLabelValues(string(decision.Dimension)).Inc()
		return &RateLimitError{
			Key:       decision.Key,
			Dimension: decision.Dimension,
			ResetAt:   decision.ResetAt,
			Remaining: decision.Remaining,
		}
	}
	dirty := l.incrementLocked(p, keys, now)
	l.mu.Unlock()

	for _, rec := range dirty {
		l.enqueue(rec)
	}
	return nil
}

func (l *Limiter) forceBlockLocked(key string, dim Dimension, now time.Time) {
	rec, ok := l.records[key]
	if !ok {
		rec = &Record{
			Key:         key,
			Dimension:   dim,
			MaxAttempts: l.cfg.GlobalIP.MaxAttempts,
			WindowStart: now,
			Window:      l.cfg.GlobalIP.Window,
			DailyReset:  nextMidnight(now, l.cfg.Location),
			CreatedAt:   now,
		}
		l.records[key] = rec
	}
	rec.BlockUntil = now.Add(l.cfg.SuspicionBlock)
	rec.UpdatedAt = now
}

// Snapshot returns a copy of one record for inspection.
func (l *Limiter) Snapshot(key string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.sweepLocked(l.clock())
			l.mu.Unlock()
		}
	}
}

// sweepLocked drops windows that fully expired without a live block, evicts
// the least-recently-updated records past the memory ceiling and trims the
// scan history used by suspicion scoring.
func (l *Limiter) sweepLocked(now time.Time) {
	for key, rec := range l.records {
		windowExpired := !now.Before(rec.WindowStart.Add(rec.Window))
		blockExpired := now.After(rec.BlockUntil)
		dailyIdle := rec.DailyAttempts == 0 || !now.Before(rec.DailyReset)
		if windowExpired && blockExpired && dailyIdle {
			delete(l.records, key)
		}
	}

	if len(l.records) > l.cfg.MaxRecords {
		type aged struct {
			key     string
			updated time.Time
		}
		all := make([]aged, 0, len(l.records))
		for key, rec := range l.records {
			all = append(all, aged{key, rec.UpdatedAt})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].updated.Before(all[j].updated) })
		for _, a := range all[:len(l.records)-l.cfg.MaxRecords] {
			delete(l.records, a.key)
		}
	}

	cutoff := now.Add(-scanHistoryWindow)
	kept := l.scans[:0]
	for _, s := range l.scans {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.scans = kept
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
