package rate

import (
	"context"
	"time"
)

const (
	persistTimeout = 2 * time.Second
	persistRetries = 3
	warmTimeout    = 150 * time.Millisecond
)

// enqueue hands a record copy to the persistence worker. It never blocks:
// when the queue is full the write is dropped, because live enforcement must
// not wait on storage.
func (l *Limiter) enqueue(rec Record) {
	if l.store == nil {
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.logger.Warn("rate limit persist queue full, dropping write", "key", rec.Key)
	}
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case rec := <-l.queue:
			l.persist(rec)
		}
	}
}

// persist writes one record with bounded retry. Storage failures are logged
// and swallowed: the limiter fails open on the persistence side only.
func (l *Limiter) persist(rec Record) {
	var err error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = l.store.SaveRecord(ctx, &rec)
		cancel()
		if err == nil {
			return
		}

		select {
		case <-l.done:
			return
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	l.logger.Error("rate limit persist failed", "key", rec.Key, "error", err)
}

// warm loads cold keys from the backing store before a check, so a restarted
// process sees blocks set elsewhere. Read failures are ignored; memory stays
// authoritative.
func (l *Limiter) warm(ctx context.Context, keys []dimensionKey) {
	if l.store == nil {
		return
	}

	var cold []string
	l.mu.Lock()
	for _, dk := range keys {
		if _, ok := l.records[dk.key]; !ok {
			cold = append(cold, dk.key)
		}
	}
	l.mu.Unlock()

	for _, key := range cold {
		loadCtx, cancel := context.WithTimeout(ctx, warmTimeout)
		rec, err := l.store.LoadRecord(loadCtx, key)
		cancel()
		if err != nil || rec == nil {
			continue
		}

		l.mu.Lock()
		if _, ok := l.records[key]; !ok {
			copied := *rec
			l.records[key] = &copied
		}
		l.mu.Unlock()
	}
}
