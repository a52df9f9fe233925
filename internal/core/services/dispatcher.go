package services

import (
	"context"
	"log/slog"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// Action is a user-initiated mutation of one record in a view.
type Action struct {
	Name     string
	Request  ports.MutationRequest
	RecordID string

	// Patch is merged into the local record once the backend accepts the
	// mutation. Remove drops the record instead. When neither applies, or
	// the record is not held locally, the view refetches.
	Patch  domain.Record
	Remove bool

	SuccessText string
}

// Dispatcher issues mutations and applies their optimistic local effect.
type Dispatcher struct {
	api      ports.PortalAPI
	notifier ports.Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(api ports.PortalAPI, notifier ports.Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:      api,
		notifier: notifier,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch calls the endpoint and, only on success, updates the view
// without waiting for the matching change notification. A failed mutation
// leaves the view untouched and surfaces the server's message.
func (d *Dispatcher) Dispatch(ctx context.Context, view *ViewStore, action Action) (*domain.MutationResult, error) {
	result, err := d.api.Mutate(ctx, action.Request)
	if err == nil && (result == nil || !result.Success) {
		msg := ""
		if result != nil {
			msg = result.ServerMessage()
		}
		err = &apperrors.MutationError{ServerMessage: msg}
	}
	if err != nil {
		d.logger.Error("action failed",
			"action", action.Name,
			"view", view.Name(),
			"record_id", action.RecordID,
			"error", err,
		)
		d.notifier.Notify(ctx, domain.NewBanner(domain.BannerError, view.Name(), apperrors.UserMessage(err)))
		return nil, err
	}

	applied := false
	switch {
	case action.Remove:
		applied = view.RemoveOptimistic(action.RecordID)
	case len(action.Patch) > 0:
		applied = view.ApplyOptimistic(action.RecordID, action.Patch)
	}
	if !applied {
		view.RequestReload()
	}

	d.logger.Info("action applied",
		"action", action.Name,
		"view", view.Name(),
		"record_id", action.RecordID,
		"optimistic", applied,
	)

	text := action.SuccessText
	if text == "" {
		text = result.Message
	}
	if text != "" {
		d.notifier.Notify(ctx, domain.NewBanner(domain.BannerSuccess, view.Name(), text))
	}
	return result, nil
}
