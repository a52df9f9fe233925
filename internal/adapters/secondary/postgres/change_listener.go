package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultChannel is the NOTIFY channel used by notify_portal_change().
const DefaultChannel = "portal_changes"

// ListenerConfig configures a ChangeListener.
type ListenerConfig struct {
	Channel    string
	Room       string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// ChangeListener turns Postgres notifications into change events for the relay.
type ChangeListener struct {
	pool      *pgxpool.Pool
	out       ports.EventBroadcaster
	cfg       ListenerConfig
	listening atomic.Bool
	logger    *slog.Logger
}

// NewChangeListener creates a listener that broadcasts through out.
func NewChangeListener(pool *pgxpool.Pool, out ports.EventBroadcaster, cfg ListenerConfig, logger *slog.Logger) *ChangeListener {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Room == "" {
		cfg.Room = domain.DefaultRoom
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &ChangeListener{
		pool:   pool,
		out:    out,
		cfg:    cfg,
		logger: logger.With("component", "change_listener", "channel", cfg.Channel),
	}
}

// Listening reports whether a LISTEN is currently active.
func (l *ChangeListener) Listening() bool {
	return l.listening.Load()
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops.
func (l *ChangeListener) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.MinBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := l.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			l.logger.Info("change listener stopped")
			return
		}

		wait := b.NextBackOff()
		l.logger.Warn("change listener disconnected", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *ChangeListener) listen(ctx context.Context, onListen func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.listening.Store(true)
	defer l.listening.Store(false)
	onListen()
	l.logger.Info("listening for changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(n.Payload)
	}
}

func (l *ChangeListener) handle(payload string) {
	change, err := domain.DecodeChange(json.RawMessage(payload))
	if err != nil {
		l.logger.Warn("dropping malformed notification", "error", err)
		return
	}

	event, err := domain.NewEvent(domain.EventChange, l.cfg.Room, change)
	if err != nil {
		l.logger.Error("failed to build change event", "error", err)
		return
	}
	if err := l.out.Broadcast(event); err != nil {
		l.logger.Error("failed to broadcast change", "table", change.Table, "error", err)
		return
	}
	l.logger.Debug("change broadcast", "table", change.Table, "action", change.Action, "id", change.RecordID())
}
