package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WindowConfig bounds call frequency for one service.
type WindowConfig struct {
	Window time.Duration
	Limit  int
}

// Limiter applies trailing-window admission control per service. Admit never
// blocks; callers decide whether to wait for capacity or abort.
type Limiter struct {
	mu      sync.Mutex
	windows map[Service]*rateWindow
	now     func() time.Time
	logger  zerolog.Logger
}

type rateWindow struct {
	cfg   WindowConfig
	calls []time.Time
}

// NewLimiter builds a limiter for the given per-service windows. Services
// without a configured window are admitted unconditionally.
func NewLimiter(windows map[Service]WindowConfig, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		windows: make(map[Service]*rateWindow, len(windows)),
		now:     time.Now,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
	}
	for svc, cfg := range windows {
		if cfg.Window <= 0 || cfg.Limit <= 0 {
			continue
		}
		l.windows[svc] = &rateWindow{cfg: cfg}
	}
	return l
}

// Admit reports whether the service has capacity and, if so, records the
// call. A denied admit has no side effects.
func (l *Limiter) Admit(svc Service) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[svc]
	if !ok {
		return true
	}

	now := l.now()
	w.purge(now)

	if len(w.calls) >= w.cfg.Limit {
		l.logger.Debug().
			Str("service", string(svc)).
			Int("in_window", len(w.calls)).
			Int("limit", w.cfg.Limit).
			Msg("admission denied")
		return false
	}

	w.calls = append(w.calls, now)
	return true
}

// Record appends a call timestamp without an admission check. Used when a
// call was performed through a path the limiter did not gate.
func (l *Limiter) Record(svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[svc]
	if !ok {
		return
	}
	now := l.now()
	w.purge(now)
	w.calls = append(w.calls, now)
}

// NextAdmitAt returns the earliest instant at which Admit could succeed for
// the service. The zero time means capacity is available now.
func (l *Limiter) NextAdmitAt(svc Service) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[svc]
	if !ok {
		return time.Time{}
	}

	now := l.now()
	w.purge(now)
	if len(w.calls) < w.cfg.Limit {
		return time.Time{}
	}

	// The window frees a slot when its oldest entry ages out.
	return w.calls[0].Add(w.cfg.Window)
}

func (w *rateWindow) purge(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	idx := 0
	for idx < len(w.calls) && !w.calls[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.calls = append(w.calls[:0], w.calls[idx:]...)
	}
}
