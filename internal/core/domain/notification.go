package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
)

// EntityKind names the backend table a change notification refers to.
type EntityKind string

const (
	EntityVendorRegistrations EntityKind = "vendor_registrations"
	EntityNDAForms            EntityKind = "nda_forms"
	EntityAttendance          EntityKind = "attendance"
	EntityLeads               EntityKind = "leads"
	EntityTickets             EntityKind = "tickets"
	EntityTasks               EntityKind = "tasks"
	EntityProjects            EntityKind = "projects"
	EntityPermissions         EntityKind = "permissions"

	// EntityAny addresses every view; only resync notifications carry it.
	EntityAny EntityKind = "*"
)

// ActionKind names the mutation that produced a change notification.
type ActionKind string

const (
	ActionInsert   ActionKind = "insert"
	ActionUpdate   ActionKind = "update"
	ActionDelete   ActionKind = "delete"
	ActionClockIn  ActionKind = "clock_in"
	ActionClockOut ActionKind = "clock_out"

	// ActionResync tells every view its list may have missed changes.
	ActionResync ActionKind = "resync"
)

// ChangeNotification describes a server-side mutation.
type ChangeNotification struct {
	Table  EntityKind `json:"table" validate:"required"`
	Action ActionKind `json:"action" validate:"required"`
	Data   Record     `json:"data"`
}

// ResyncNotification asks every view to reload from the API. The channel
// publishes it when it cannot replay what was missed while disconnected.
func ResyncNotification() ChangeNotification {
	return ChangeNotification{Table: EntityAny, Action: ActionResync, Data: Record{}}
}

// IsResync reports whether n is a resync request.
func (n ChangeNotification) IsResync() bool {
	return n.Action == ActionResync
}

// RecordID returns the identifier of the affected record, or "" when absent.
func (n ChangeNotification) RecordID() string {
	return n.Data.ID()
}

// DecodeChange parses a change payload, normalizing table and action casing.
func DecodeChange(raw json.RawMessage) (ChangeNotification, error) {
	var n ChangeNotification
	if len(raw) == 0 {
		return n, fmt.Errorf("empty change payload: %w", apperrors.ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, fmt.Errorf("decode change payload: %w", apperrors.ErrMalformedPayload)
	}

	n.Table = EntityKind(strings.ToLower(strings.TrimSpace(string(n.Table))))
	n.Action = ActionKind(strings.ToLower(strings.TrimSpace(string(n.Action))))
	if n.Table == "" || n.Action == "" {
		return n, fmt.Errorf("change payload missing table or action: %w", apperrors.ErrMalformedPayload)
	}
	if n.Data == nil {
		n.Data = Record{}
	}
	return n, nil
}

// EmailOutcome is the payload of the email_sent and email_failed events.
type EmailOutcome struct {
	Event        EventName `json:"-"`
	CompanyName  string    `json:"company_name"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// DecodeEmailOutcome extracts the outcome of a scheduled send from an event.
func DecodeEmailOutcome(e Event) (EmailOutcome, error) {
	var o EmailOutcome
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &o); err != nil {
			return o, fmt.Errorf("decode %s payload: %w", e.Type, apperrors.ErrMalformedPayload)
		}
	}
	o.Event = e.Type
	if strings.TrimSpace(o.CompanyName) == "" {
		o.CompanyName = UnknownName
	}
	return o, nil
}

// Banner renders the outcome as a user-facing notification.
func (o EmailOutcome) Banner() Banner {
	if o.Event == EventEmailFailed {
		text := fmt.Sprintf("Email to %s failed", o.CompanyName)
		if o.ErrorMessage != "" {
			text += ": " + o.ErrorMessage
		}
		return NewBanner(BannerError, "email", text)
	}
	return NewBanner(BannerSuccess, "email", "Email sent to "+o.CompanyName)
}
