package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

// DescribeFunc turns a change into banner text. current is the record after
// the change was applied, or nil when the view reloaded instead. An empty
// text means the change is not worth telling the operator about.
type DescribeFunc func(n domain.ChangeNotification, current domain.Record) (text string, level domain.BannerLevel)

// ViewPolicy describes which tables a view tracks, where its list comes
// from, and how it reacts to changes.
type ViewPolicy struct {
	Name   string
	Tables []domain.EntityKind
	List   ports.ListQuery

	// FullReload lists tracked tables whose updates always refetch instead
	// of patching in place.
	FullReload []domain.EntityKind

	Normalize func(domain.Record) domain.Record
	Describe  DescribeFunc
}

// Tracks reports whether the view cares about table.
func (p ViewPolicy) Tracks(table domain.EntityKind) bool {
	return slices.Contains(p.Tables, table)
}

// ViewStore holds one view's list and reconciles it against REST snapshots,
// change notifications and optimistic updates.
type ViewStore struct {
	policy   ViewPolicy
	api      ports.PortalAPI
	bus      ports.ChangeBus
	notifier ports.Notifier
	logger   *slog.Logger

	mu         sync.RWMutex
	mounted    bool
	phase      domain.ViewPhase
	records    []domain.Record
	lastErr    string
	updatedAt  time.Time
	generation uint64 // bumped by every reload; older results are discarded

	// pending holds local changes made while a reload was in flight. They
	// are replayed over that reload's result, which was requested before them.
	pending []pendingChange

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

type pendingChange struct {
	generation uint64
	id         string
	data       domain.Record // nil means the record was removed
}

// NewViewStore creates an idle view. Nothing is fetched until Mount.
func NewViewStore(
	policy ViewPolicy,
	api ports.PortalAPI,
	bus ports.ChangeBus,
	notifier ports.Notifier,
	logger *slog.Logger,
) *ViewStore {
	return &ViewStore{
		policy:   policy,
		api:      api,
		bus:      bus,
		notifier: notifier,
		phase:    domain.PhaseIdle,
		logger:   logger.With("component", "view", "view", policy.Name),
	}
}

// Name returns the view name.
func (s *ViewStore) Name() string {
	return s.policy.Name
}

// Mount subscribes to the change bus and issues the initial fetch in the
// background. Mounting twice is a no-op.
func (s *ViewStore) Mount(ctx context.Context) {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	s.ctx, s.cancel = context.WithCancel(logging.WithView(ctx, s.policy.Name))
	s.unsubscribe = s.bus.Subscribe(s.HandleChange)
	s.mu.Unlock()

	s.logger.Debug("view mounted")
	s.startReload(nil)
}

// Unmount deregisters the view from the bus and waits for in-flight fetches.
// Results arriving after Unmount are dropped.
func (s *ViewStore) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	unsubscribe := s.unsubscribe
	cancel := s.cancel
	s.unsubscribe = nil
	s.mu.Unlock()

	unsubscribe()
	cancel()
	s.wg.Wait()
	s.logger.Debug("view unmounted")
}

// Wait blocks until every background fetch started so far has finished.
func (s *ViewStore) Wait() {
	s.wg.Wait()
}

// Refresh re-issues the list fetch and blocks until it resolves. It is the
// manual escape hatch when live updates are offline.
func (s *ViewStore) Refresh(ctx context.Context) error {
	gen, ok := s.beginReload()
	if !ok {
		return apperrors.ErrNotMounted
	}
	return s.reload(logging.WithView(ctx, s.policy.Name), gen, nil)
}

// HandleChange reconciles one notification against the local list. It never
// blocks on the network: refetches run in the background.
func (s *ViewStore) HandleChange(n domain.ChangeNotification) {
	if n.IsResync() {
		s.logger.Info("resync requested, reloading")
		s.startReload(nil)
		return
	}
	if !s.policy.Tracks(n.Table) {
		return
	}

	if n.Action == domain.ActionUpdate && !slices.Contains(s.policy.FullReload, n.Table) {
		if merged, changed, found := s.patch(n.RecordID(), n.Data); found {
			if changed {
				s.announce(n, merged)
			}
			return
		}
	}

	// Inserts, deletes, unknown actions and updates for rows we do not hold
	// all refetch: the backend computes fields we cannot synthesize.
	s.logger.Debug("change triggers reload", "table", n.Table, "action", n.Action, "record_id", n.RecordID())
	s.startReload(&n)
}

// ApplyOptimistic merges patch into the record with id after a successful
// mutation. It reports whether the record was present.
func (s *ViewStore) ApplyOptimistic(id string, patch domain.Record) bool {
	_, _, found := s.patch(id, patch)
	return found
}

// RemoveOptimistic drops the record with id after a successful delete.
func (s *ViewStore) RemoveOptimistic(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted || id == "" {
		return false
	}
	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	s.records = slices.Delete(slices.Clone(s.records), idx, idx+1)
	s.updatedAt = time.Now().UTC()
	s.track(id, nil)
	return true
}

// RequestReload schedules a background refetch.
func (s *ViewStore) RequestReload() {
	s.startReload(nil)
}

// Snapshot returns a copy of the current state.
func (s *ViewStore) Snapshot() domain.ViewState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.Record, len(s.records))
	for i, r := range s.records {
		records[i] = r.Clone()
	}
	return domain.ViewState{
		View:      s.policy.Name,
		Phase:     s.phase,
		Loading:   s.phase == domain.PhaseLoading,
		Records:   records,
		LastError: s.lastErr,
		UpdatedAt: s.updatedAt,
	}
}

// Visible returns the records matching filter.
func (s *ViewStore) Visible(filter domain.Filter) []domain.Record {
	return filter.Apply(s.Snapshot().Records)
}

func (s *ViewStore) patch(id string, data domain.Record) (domain.Record, bool, bool) {
	if id == "" {
		return nil, false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return nil, false, false
	}
	idx := s.indexOf(id)
	if idx < 0 {
		return nil, false, false
	}

	s.track(id, data)

	merged := s.records[idx].Clone()
	merged.Merge(data)
	merged = s.normalize(merged)
	if merged.Equal(s.records[idx]) {
		return merged, false, true
	}

	// Copy-on-write so snapshots handed out earlier stay untouched.
	next := slices.Clone(s.records)
	next[idx] = merged
	s.records = next
	s.updatedAt = time.Now().UTC()
	return merged.Clone(), true, true
}

// track queues a local change for replay while a reload is running. It must
// be called with s.mu held.
func (s *ViewStore) track(id string, data domain.Record) {
	if s.phase != domain.PhaseLoading {
		return
	}
	s.pending = append(s.pending, pendingChange{generation: s.generation, id: id, data: data.Clone()})
}

// replay applies the changes queued since reload gen started. It must be
// called with s.mu held.
func (s *ViewStore) replay(gen uint64) {
	for _, c := range s.pending {
		if c.generation != gen {
			continue
		}
		idx := s.indexOf(c.id)
		if idx < 0 {
			continue
		}
		if c.data == nil {
			s.records = slices.Delete(s.records, idx, idx+1)
			continue
		}
		s.records[idx].Merge(c.data)
		s.records[idx] = s.normalize(s.records[idx])
	}
	s.pending = nil
}

func (s *ViewStore) beginReload() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return 0, false
	}
	s.generation++
	s.phase = domain.PhaseLoading
	return s.generation, true
}

func (s *ViewStore) startReload(cause *domain.ChangeNotification) {
	gen, ok := s.beginReload()
	if !ok {
		return
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.reload(ctx, gen, cause)
	}()
}

func (s *ViewStore) reload(ctx context.Context, gen uint64, cause *domain.ChangeNotification) error {
	records, err := s.api.FetchList(ctx, s.policy.List)

	s.mu.Lock()
	if !s.mounted || gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("discarding stale fetch result", "generation", gen)
		return err
	}

	if err != nil {
		s.records = nil
		s.pending = nil
		s.phase = domain.PhaseError
		s.lastErr = err.Error()
		s.updatedAt = time.Now().UTC()
		s.mu.Unlock()

		s.logger.Error("failed to load view", "error", err)
		s.notify(domain.BannerError, fmt.Sprintf("Failed to load %s. Use Refresh to retry.", s.policy.Name))
		return fmt.Errorf("load %s: %w", s.policy.Name, err)
	}

	normalized := make([]domain.Record, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		normalized = append(normalized, s.normalize(r.Clone()))
	}
	s.records = normalized
	s.replay(gen)
	s.phase = domain.PhaseReady
	s.lastErr = ""
	s.updatedAt = time.Now().UTC()

	var current domain.Record
	if cause != nil {
		if idx := s.indexOf(cause.RecordID()); idx >= 0 {
			current = s.records[idx].Clone()
		}
	}
	s.mu.Unlock()

	s.logger.Debug("view loaded", "count", len(normalized))
	if cause != nil {
		s.announce(*cause, current)
	}
	return nil
}

func (s *ViewStore) announce(n domain.ChangeNotification, current domain.Record) {
	if s.policy.Describe == nil {
		return
	}
	text, level := s.policy.Describe(n, current)
	if text == "" {
		return
	}
	s.notify(level, text)
}

func (s *ViewStore) notify(level domain.BannerLevel, text string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.Background(), domain.NewBanner(level, s.policy.Name, text))
}

func (s *ViewStore) normalize(r domain.Record) domain.Record {
	if s.policy.Normalize == nil {
		return r
	}
	return s.policy.Normalize(r)
}

// indexOf must be called with s.mu held.
func (s *ViewStore) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, r := range s.records {
		if r.ID() == id {
			return i
		}
	}
	return -1
}
