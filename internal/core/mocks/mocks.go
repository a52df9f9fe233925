package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// MockPortalAPI is a mock implementation of ports.PortalAPI
type MockPortalAPI struct {
	mock.Mock
}

func NewMockPortalAPI() *MockPortalAPI {
	return &MockPortalAPI{}
}

func (m *MockPortalAPI) FetchList(ctx context.Context, q ports.ListQuery) ([]domain.Record, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Record), args.Error(1)
}

func (m *MockPortalAPI) Mutate(ctx context.Context, req ports.MutationRequest) (*domain.MutationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MutationResult), args.Error(1)
}

func (m *MockPortalAPI) Download(ctx context.Context, req ports.DownloadRequest) (*domain.File, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.File), args.Error(1)
}

func (m *MockPortalAPI) FetchPermissions(ctx context.Context, path string) (domain.PermissionSet, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.PermissionSet), args.Error(1)
}

// MockNotifier is a mock implementation of ports.Notifier
type MockNotifier struct {
	mock.Mock
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) Notify(ctx context.Context, banner domain.Banner) {
	m.Called(ctx, banner)
}

// BannerRecorder is a ports.Notifier that keeps every banner it receives.
// It is safe for the concurrent use views make of it.
type BannerRecorder struct {
	mu      sync.Mutex
	banners []domain.Banner
}

func NewBannerRecorder() *BannerRecorder {
	return &BannerRecorder{}
}

func (r *BannerRecorder) Notify(_ context.Context, banner domain.Banner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banners = append(r.banners, banner)
}

// Banners returns a copy of the recorded banners in arrival order.
func (r *BannerRecorder) Banners() []domain.Banner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Banner, len(r.banners))
	copy(out, r.banners)
	return out
}

// Texts returns the recorded banner texts.
func (r *BannerRecorder) Texts() []string {
	banners := r.Banners()
	out := make([]string, len(banners))
	for i, b := range banners {
		out[i] = b.Text
	}
	return out
}

// MockChangeBus is a mock implementation of ports.ChangeBus
type MockChangeBus struct {
	mock.Mock
}

func NewMockChangeBus() *MockChangeBus {
	return &MockChangeBus{}
}

func (m *MockChangeBus) Publish(n domain.ChangeNotification) {
	m.Called(n)
}

func (m *MockChangeBus) Subscribe(handler func(domain.ChangeNotification)) func() {
	args := m.Called(handler)
	if fn, ok := args.Get(0).(func()); ok {
		return fn
	}
	return func() {}
}

// MockEventBroadcaster is a mock implementation of ports.EventBroadcaster
type MockEventBroadcaster struct {
	mock.Mock
}

func NewMockEventBroadcaster() *MockEventBroadcaster {
	return &MockEventBroadcaster{}
}

func (m *MockEventBroadcaster) Broadcast(event domain.Event) error {
	args := m.Called(event)
	return args.Error(0)
}

// MockReportEncoder is a mock implementation of ports.ReportEncoder
type MockReportEncoder struct {
	mock.Mock
}

func NewMockReportEncoder() *MockReportEncoder {
	return &MockReportEncoder{}
}

func (m *MockReportEncoder) Encode(kind domain.ReportKind, rows [][]string) (*domain.File, error) {
	args := m.Called(kind, rows)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.File), args.Error(1)
}
