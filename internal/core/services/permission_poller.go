package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultPermissionPollInterval bounds how stale a capability flag can be
// when no push notification covers it.
const DefaultPermissionPollInterval = 10 * time.Second

// PermissionPoller keeps a view's capability flags fresh. A change
// notification for the permissions table triggers an immediate fetch; the
// interval job is the fallback for backends that never push one.
type PermissionPoller struct {
	api      ports.PortalAPI
	bus      ports.ChangeBus
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	perms       domain.PermissionSet
	loaded      bool
	lastErr     error
	scheduler   gocron.Scheduler
	job         gocron.Job
	unsubscribe func()
	listeners   map[uint64]func(domain.PermissionSet)
	nextID      uint64
}

// NewPermissionPoller creates an idle poller for the endpoint at path. bus
// may be nil when the backend never pushes permission changes.
func NewPermissionPoller(
	api ports.PortalAPI,
	bus ports.ChangeBus,
	path string,
	interval time.Duration,
	logger *slog.Logger,
) *PermissionPoller {
	if interval <= 0 {
		interval = DefaultPermissionPollInterval
	}
	return &PermissionPoller{
		api:       api,
		bus:       bus,
		path:      path,
		interval:  interval,
		perms:     domain.PermissionSet{},
		listeners: make(map[uint64]func(domain.PermissionSet)),
		logger:    logger.With("component", "permission_poller", "path", path),
	}
}

// Mount starts polling immediately and then every interval until Unmount.
func (p *PermissionPoller) Mount(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scheduler != nil {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create permission scheduler: %w", err)
	}
	job, err := sched.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(p.Poll, ctx),
		gocron.WithName("permissions:"+p.path),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule permission poll: %w", err)
	}
	sched.Start()

	p.scheduler = sched
	p.job = job
	if p.bus != nil {
		p.unsubscribe = p.bus.Subscribe(p.handleChange)
	}

	p.logger.Debug("permission polling started", "interval", p.interval)
	return nil
}

// Unmount stops the interval job. The last known permission set is kept.
func (p *PermissionPoller) Unmount() {
	p.mu.Lock()
	sched := p.scheduler
	unsubscribe := p.unsubscribe
	p.scheduler = nil
	p.job = nil
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if sched == nil {
		return
	}
	if err := sched.Shutdown(); err != nil {
		p.logger.Warn("permission scheduler shutdown", "error", err)
	}
	p.logger.Debug("permission polling stopped")
}

// Poll fetches the permission set once and replaces the local copy wholesale.
// A failed fetch keeps the previous set.
func (p *PermissionPoller) Poll(ctx context.Context) {
	perms, err := p.api.FetchPermissions(ctx, p.path)

	p.mu.Lock()
	if err != nil {
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Warn("permission refresh failed", "error", err)
		return
	}
	if perms == nil {
		perms = domain.PermissionSet{}
	}
	changed := !p.loaded || !p.perms.Equal(perms)
	p.perms = perms.Clone()
	p.loaded = true
	p.lastErr = nil
	listeners := make([]func(domain.PermissionSet), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info("permissions updated", "count", len(perms))
	for _, fn := range listeners {
		fn(perms.Clone())
	}
}

// Permissions returns a copy of the current set.
func (p *PermissionPoller) Permissions() domain.PermissionSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.perms.Clone()
}

// Allows reports whether capability is currently granted.
func (p *PermissionPoller) Allows(capability string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.perms.Allows(capability)
}

// Loaded reports whether at least one fetch has succeeded.
func (p *PermissionPoller) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loaded
}

// LastError returns the error of the most recent fetch, if it failed.
func (p *PermissionPoller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// OnChange registers fn to receive every new permission set.
func (p *PermissionPoller) OnChange(fn func(domain.PermissionSet)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *PermissionPoller) handleChange(n domain.ChangeNotification) {
	if n.Table != domain.EntityPermissions && !n.IsResync() {
		return
	}

	p.mu.RLock()
	job := p.job
	p.mu.RUnlock()
	if job == nil {
		return
	}
	// RunNow hands the fetch to the scheduler, so the bus is never blocked.
	if err := job.RunNow(); err != nil {
		p.logger.Warn("immediate permission refresh failed", "error", err)
	}
}
