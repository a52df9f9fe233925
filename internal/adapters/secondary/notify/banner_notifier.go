package notify

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultTTL is how long a banner stays visible.
const DefaultTTL = 5 * time.Second

// BannerNotifier is a secondary adapter that shows banners in the console.
// Each banner is logged, printed to the output and dismissed after the TTL.
type BannerNotifier struct {
	ttl    time.Duration
	out    io.Writer
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]domain.Banner
	timers map[string]*time.Timer
}

var _ ports.Notifier = (*BannerNotifier)(nil)

// NewBannerNotifier creates a notifier. out may be nil to only log.
func NewBannerNotifier(ttl time.Duration, out io.Writer, logger *slog.Logger) *BannerNotifier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BannerNotifier{
		ttl:    ttl,
		out:    out,
		logger: logger.With("component", "banner_notifier"),
		active: make(map[string]domain.Banner),
		timers: make(map[string]*time.Timer),
	}
}

// Notify shows the banner and schedules its dismissal.
func (n *BannerNotifier) Notify(_ context.Context, banner domain.Banner) {
	if banner.Text == "" {
		return
	}

	n.mu.Lock()
	n.active[banner.ID] = banner
	n.timers[banner.ID] = time.AfterFunc(n.ttl, func() { n.Dismiss(banner.ID) })
	n.mu.Unlock()

	n.logger.Log(context.Background(), levelFor(banner.Level), banner.Text,
		"banner_id", banner.ID,
		"source", banner.Source,
		"level", banner.Level,
	)
	if n.out != nil {
		_, _ = io.WriteString(n.out, "["+string(banner.Level)+"] "+banner.Text+"\n")
	}
}

// Dismiss removes a banner before its TTL elapses.
func (n *BannerNotifier) Dismiss(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.timers[id]; ok {
		t.Stop()
		delete(n.timers, id)
	}
	delete(n.active, id)
}

// Active returns the banners currently visible, oldest first.
func (n *BannerNotifier) Active() []domain.Banner {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]domain.Banner, 0, len(n.active))
	for _, b := range n.active {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Banner) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Close dismisses every banner.
func (n *BannerNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	clear(n.active)
}

func levelFor(l domain.BannerLevel) slog.Level {
	switch l {
	case domain.BannerError:
		return slog.LevelError
	case domain.BannerWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
