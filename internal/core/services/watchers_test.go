package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/mocks"
	"github.com/lorrc/portal-sync/internal/core/services"
)

type fakeStatus struct {
	listeners []func(domain.ConnectionState)
}

func (f *fakeStatus) State() domain.ConnectionState { return domain.ConnectionState{} }

func (f *fakeStatus) OnStateChange(fn func(domain.ConnectionState)) func() {
	f.listeners = append(f.listeners, fn)
	return func() { f.listeners = nil }
}

func (f *fakeStatus) set(st domain.ConnectionState) {
	for _, fn := range f.listeners {
		fn(st)
	}
}

func TestWatchEmailOutcomes(t *testing.T) {
	bus := services.NewEmailOutcomeBus(testLogger())
	notifier := mocks.NewBannerRecorder()
	unsubscribe := services.WatchEmailOutcomes(bus, notifier, testLogger())

	bus.Publish(domain.EmailOutcome{Event: domain.EventEmailSent, CompanyName: "Acme"})
	bus.Publish(domain.EmailOutcome{Event: domain.EventEmailFailed, CompanyName: "Globex", ErrorMessage: "mailbox full"})
	unsubscribe()
	bus.Publish(domain.EmailOutcome{Event: domain.EventEmailSent, CompanyName: "Ignored"})

	banners := notifier.Banners()
	if assert.Len(t, banners, 2) {
		assert.Equal(t, "Email sent to Acme", banners[0].Text)
		assert.Equal(t, domain.BannerSuccess, banners[0].Level)
		assert.Equal(t, "Email to Globex failed: mailbox full", banners[1].Text)
		assert.Equal(t, domain.BannerError, banners[1].Level)
	}
}

func TestWatchConnection(t *testing.T) {
	status := &fakeStatus{}
	notifier := mocks.NewBannerRecorder()
	services.WatchConnection(status, notifier, testLogger())

	status.set(domain.ConnectionState{Connected: true})
	status.set(domain.ConnectionState{Connected: false})

	banners := notifier.Banners()
	if assert.Len(t, banners, 2) {
		assert.Equal(t, domain.BannerInfo, banners[0].Level)
		assert.Equal(t, domain.BannerWarning, banners[1].Level)
	}
}

func TestElapsedTicker_Run(t *testing.T) {
	anchor := time.Now().Add(-90 * time.Minute)
	ticker := services.NewElapsedTicker(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	var values []decimal.Decimal
	ticker.Run(ctx, anchor, func(v decimal.Decimal) { values = append(values, v) })

	if assert.GreaterOrEqual(t, len(values), 2) {
		for _, v := range values {
			assert.Equal(t, "1.50", v.StringFixed(2))
		}
	}
}
