package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/portal-sync/internal/adapters/primary/http/middleware"
	"github.com/lorrc/portal-sync/internal/adapters/primary/validation"
	"github.com/lorrc/portal-sync/internal/auth"
	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

const (
	defaultPollLimit = 100
	maxPollLimit     = 500
)

// ChangeRequest is the body of POST /api/v1/changes. Change events carry
// table, action and data; email outcomes carry company_name and error_message.
type ChangeRequest struct {
	Event        domain.EventName `json:"event" validate:"oneof=change email_sent email_failed"`
	Room         string           `json:"room" validate:"room"`
	Table        string           `json:"table" validate:"required_if=Event change,ident"`
	Action       string           `json:"action" validate:"required_if=Event change,ident"`
	Data         domain.Record    `json:"data"`
	CompanyName  string           `json:"company_name" validate:"required_unless=Event change,max=200"`
	ErrorMessage string           `json:"error_message" validate:"max=500"`
}

// Normalize applies defaults before validation.
func (r *ChangeRequest) Normalize() {
	r.Event = domain.EventName(strings.ToLower(strings.TrimSpace(string(r.Event))))
	if r.Event == "" {
		r.Event = domain.EventChange
	}
	r.Room = strings.ToLower(strings.TrimSpace(r.Room))
	if r.Room == "" {
		r.Room = domain.DefaultRoom
	}
	r.Table = strings.ToLower(strings.TrimSpace(r.Table))
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.CompanyName = strings.TrimSpace(r.CompanyName)
}

// ToEvent builds the relay event for the request.
func (r *ChangeRequest) ToEvent() (domain.Event, error) {
	if r.Event == domain.EventChange {
		data := r.Data
		if data == nil {
			data = domain.Record{}
		}
		return domain.NewEvent(r.Event, r.Room, domain.ChangeNotification{
			Table:  domain.EntityKind(r.Table),
			Action: domain.ActionKind(r.Action),
			Data:   data,
		})
	}
	return domain.NewEvent(r.Event, r.Room, domain.EmailOutcome{
		CompanyName:  r.CompanyName,
		ErrorMessage: r.ErrorMessage,
	})
}

// ChangeHandler accepts change notifications from the backend and serves the
// polling fallback.
type ChangeHandler struct {
	out          ports.EventBroadcaster
	backlog      ports.EventBacklog
	tm           *auth.TokenManager
	validator    *validation.Validator
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewChangeHandler creates a new change handler
func NewChangeHandler(
	out ports.EventBroadcaster,
	backlog ports.EventBacklog,
	tm *auth.TokenManager,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *ChangeHandler {
	return &ChangeHandler{
		out:          out,
		backlog:      backlog,
		tm:           tm,
		validator:    validation.New(),
		errorHandler: errorHandler,
		logger:       logger.With("component", "change_handler"),
	}
}

// RegisterRoutes mounts the ingress and polling routes.
func (h *ChangeHandler) RegisterRoutes(r chi.Router) {
	r.With(mw.RequireScope(h.tm, auth.ScopePublish)).Post("/changes", h.HandlePublish)
	r.With(mw.RequireScope(h.tm, auth.ScopeSubscribe)).Get("/realtime/poll", h.HandlePoll)
}

// HandlePublish validates a change and broadcasts it to the room.
func (h *ChangeHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeAndValidate[ChangeRequest](r, h.validator)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	event, err := req.ToEvent()
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	if err := h.out.Broadcast(event); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.InfoContext(logging.WithRoom(r.Context(), event.Room), "change accepted",
		"event", event.Type,
		"table", req.Table,
		"action", req.Action,
	)
	WriteAccepted(w)
}

// HandlePoll returns events after the cursor given in "after". Without a
// cursor it only reports the current one, so a new poller starts from now.
func (h *ChangeHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	room := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("room")))
	if room == "" {
		room = domain.DefaultRoom
	}
	if !validation.ValidRoom(room) {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrBadRequest, "Invalid room"))
		return
	}

	after, ok := validation.ParseInt64QueryParam(r, "after")
	if !ok {
		WriteJSON(w, http.StatusOK, domain.PollBatch{Events: []domain.Event{}, Cursor: h.backlog.Seq()})
		return
	}

	limit := min(validation.ParseIntQueryParam(r, "limit", defaultPollLimit), maxPollLimit)
	if limit == 0 {
		limit = defaultPollLimit
	}

	WriteJSON(w, http.StatusOK, h.backlog.Since(room, after, limit))
}
