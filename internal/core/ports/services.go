package ports

import (
	"context"
	"net/url"

	"github.com/lorrc/portal-sync/internal/core/domain"
)

// Bus is an in-process publish/subscribe registry. Publish delivers to every
// current subscriber synchronously, in subscription order. The function
// returned by Subscribe deregisters the handler and is safe to call twice.
type Bus[T any] interface {
	Publish(msg T)
	Subscribe(handler func(T)) (unsubscribe func())
}

// ChangeBus carries change notifications from the channel to views.
type ChangeBus = Bus[domain.ChangeNotification]

// EmailOutcomeBus carries email_sent / email_failed outcomes.
type EmailOutcomeBus = Bus[domain.EmailOutcome]

// ListQuery identifies a list-fetch endpoint and the key its array lives under
// when the response is wrapped in an object.
type ListQuery struct {
	Path   string
	Key    string
	Params url.Values
}

// MutationRequest describes a REST mutation.
type MutationRequest struct {
	Method string
	Path   string
	Body   any
}

// DownloadRequest describes a file-producing endpoint.
type DownloadRequest struct {
	Path        string
	Params      url.Values
	ContentType string // expected media type, e.g. "text/csv"
	FileName    string
}

// PortalAPI is the REST contract consumed by the sync layer.
type PortalAPI interface {
	FetchList(ctx context.Context, q ListQuery) ([]domain.Record, error)
	Mutate(ctx context.Context, req MutationRequest) (*domain.MutationResult, error)
	Download(ctx context.Context, req DownloadRequest) (*domain.File, error)
	FetchPermissions(ctx context.Context, path string) (domain.PermissionSet, error)
}

// Notifier surfaces transient banners to the operator.
type Notifier interface {
	Notify(ctx context.Context, banner domain.Banner)
}

// ConnectionStatus exposes the transport channel's connection state read-only.
type ConnectionStatus interface {
	State() domain.ConnectionState
	OnStateChange(fn func(domain.ConnectionState)) (unsubscribe func())
}

// ReportEncoder turns report cells into a downloadable file.
type ReportEncoder interface {
	Encode(kind domain.ReportKind, rows [][]string) (*domain.File, error)
}

// EventBroadcaster delivers events to connected real-time clients.
type EventBroadcaster interface {
	Broadcast(event domain.Event) error
}

// EventBacklog serves recently broadcast events to polling clients.
type EventBacklog interface {
	Since(room string, after int64, limit int) domain.PollBatch
	Seq() int64
}
