package notify_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lorrc/portal-sync/internal/adapters/secondary/notify"
	"github.com/lorrc/portal-sync/internal/core/domain"
)

func TestBannerNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("auto-dismisses after ttl", func(t *testing.T) {
		var out bytes.Buffer
		n := notify.NewBannerNotifier(20*time.Millisecond, &out, logger)
		defer n.Close()

		n.Notify(context.Background(), domain.NewBanner(domain.BannerSuccess, "email", "Email sent to Acme"))

		assert.Len(t, n.Active(), 1)
		assert.Equal(t, "[success] Email sent to Acme\n", out.String())
		assert.Eventually(t, func() bool { return len(n.Active()) == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("manual dismiss", func(t *testing.T) {
		n := notify.NewBannerNotifier(time.Minute, nil, logger)
		defer n.Close()

		b := domain.NewBanner(domain.BannerError, "leads", "Action failed. Please try again.")
		n.Notify(context.Background(), b)
		n.Dismiss(b.ID)
		assert.Empty(t, n.Active())
	})

	t.Run("empty text is ignored", func(t *testing.T) {
		n := notify.NewBannerNotifier(time.Minute, nil, logger)
		n.Notify(context.Background(), domain.Banner{ID: "x"})
		assert.Empty(t, n.Active())
	})
}
