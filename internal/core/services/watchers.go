package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultElapsedTick is how often live elapsed hours are recomputed.
const DefaultElapsedTick = 60 * time.Second

// WatchEmailOutcomes turns email_sent / email_failed events into banners.
func WatchEmailOutcomes(bus ports.EmailOutcomeBus, notifier ports.Notifier, logger *slog.Logger) func() {
	logger = logger.With("component", "email_outcomes")
	return bus.Subscribe(func(o domain.EmailOutcome) {
		if o.Event == domain.EventEmailFailed {
			logger.Warn("scheduled email failed", "company", o.CompanyName, "error", o.ErrorMessage)
		} else {
			logger.Info("scheduled email sent", "company", o.CompanyName)
		}
		notifier.Notify(context.Background(), o.Banner())
	})
}

// WatchConnection logs every Live/Offline transition and warns the operator
// when live updates stop.
func WatchConnection(status ports.ConnectionStatus, notifier ports.Notifier, logger *slog.Logger) func() {
	logger = logger.With("component", "connection")
	return status.OnStateChange(func(st domain.ConnectionState) {
		logger.Info("connection state changed", "state", st.Label(), "polling", st.Polling)
		if notifier == nil {
			return
		}
		if st.Connected {
			notifier.Notify(context.Background(), domain.NewBanner(domain.BannerInfo, "connection", "Live updates connected"))
			return
		}
		notifier.Notify(context.Background(), domain.NewBanner(domain.BannerWarning, "connection", "Live updates offline. Use Refresh to reload."))
	})
}

// ElapsedTicker recomputes hours worked since a fixed clock-in anchor. Each
// tick derives the value from the anchor and the wall clock, never from the
// previous tick.
type ElapsedTicker struct {
	interval time.Duration
	now      func() time.Time
}

// NewElapsedTicker creates a ticker. A non-positive interval uses DefaultElapsedTick.
func NewElapsedTicker(interval time.Duration) *ElapsedTicker {
	if interval <= 0 {
		interval = DefaultElapsedTick
	}
	return &ElapsedTicker{interval: interval, now: time.Now}
}

// Value returns the elapsed hours for anchor right now.
func (t *ElapsedTicker) Value(anchor time.Time) decimal.Decimal {
	return domain.ElapsedHours(anchor, t.now())
}

// Run calls fn immediately and then on every tick until ctx is done.
func (t *ElapsedTicker) Run(ctx context.Context, anchor time.Time, fn func(decimal.Decimal)) {
	fn(t.Value(anchor))

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(t.Value(anchor))
		}
	}
}
