package services

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// View names.
const (
	ViewRegistrations = "registrations"
	ViewNDAForms      = "nda_forms"
	ViewAttendance    = "attendance"
	ViewLeads         = "leads"
	ViewTickets       = "tickets"
	ViewTasks         = "tasks"
	ViewProjects      = "projects"
)

// DefaultPolicies returns every dashboard view the console knows about.
func DefaultPolicies() []ViewPolicy {
	return []ViewPolicy{
		RegistrationsPolicy(),
		NDAFormsPolicy(),
		AttendancePolicy(),
		LeadsPolicy(),
		TicketsPolicy(),
		TasksPolicy(),
		ProjectsPolicy(),
	}
}

// PolicyByName looks a view up by name.
func PolicyByName(name string) (ViewPolicy, bool) {
	for _, p := range DefaultPolicies() {
		if p.Name == name {
			return p, true
		}
	}
	return ViewPolicy{}, false
}

func RegistrationsPolicy() ViewPolicy {
	return ViewPolicy{
		Name:      ViewRegistrations,
		Tables:    []domain.EntityKind{domain.EntityVendorRegistrations},
		List:      ports.ListQuery{Path: "/api/vendor-registrations", Key: "registrations"},
		Normalize: defaultNames("company_name", "contact_person"),
		Describe: func(n domain.ChangeNotification, current domain.Record) (string, domain.BannerLevel) {
			company := field(n, current, "company_name")
			switch n.Action {
			case domain.ActionInsert:
				return "New registration from " + company, domain.BannerInfo
			case domain.ActionUpdate:
				switch status(n, current) {
				case "approved":
					return company + " registration approved", domain.BannerSuccess
				case "rejected", "declined":
					return company + " registration rejected", domain.BannerWarning
				}
			}
			return "", ""
		},
	}
}

func NDAFormsPolicy() ViewPolicy {
	return ViewPolicy{
		Name:      ViewNDAForms,
		Tables:    []domain.EntityKind{domain.EntityNDAForms},
		List:      ports.ListQuery{Path: "/api/nda-forms", Key: "forms"},
		Normalize: defaultNames("company_name", "contact_person"),
		Describe: func(n domain.ChangeNotification, current domain.Record) (string, domain.BannerLevel) {
			company := field(n, current, "company_name")
			switch n.Action {
			case domain.ActionInsert:
				return "New NDA submitted by " + company, domain.BannerInfo
			case domain.ActionUpdate:
				switch s := status(n, current); s {
				case "signed", "approved":
					return fmt.Sprintf("%s NDA %s", company, s), domain.BannerSuccess
				case "rejected", "declined":
					return company + " NDA rejected", domain.BannerWarning
				}
			}
			return "", ""
		},
	}
}

func AttendancePolicy() ViewPolicy {
	return ViewPolicy{
		Name:      ViewAttendance,
		Tables:    []domain.EntityKind{domain.EntityAttendance},
		List:      ports.ListQuery{Path: "/api/attendance/today", Key: "attendance"},
		Normalize: defaultNames("employee_name"),
		Describe: func(n domain.ChangeNotification, current domain.Record) (string, domain.BannerLevel) {
			employee := field(n, current, "employee_name")
			switch n.Action {
			case domain.ActionClockIn:
				return employee + " clocked in", domain.BannerInfo
			case domain.ActionClockOut:
				return employee + " clocked out", domain.BannerInfo
			}
			return "", ""
		},
	}
}

func LeadsPolicy() ViewPolicy {
	return ViewPolicy{
		Name:      ViewLeads,
		Tables:    []domain.EntityKind{domain.EntityLeads},
		List:      ports.ListQuery{Path: "/api/leads", Key: "leads"},
		Normalize: defaultNames("company_name", "assigned_to_name"),
		Describe: func(n domain.ChangeNotification, current domain.Record) (string, domain.BannerLevel) {
			company := field(n, current, "company_name")
			switch n.Action {
			case domain.ActionInsert:
				return "New lead: " + company, domain.BannerInfo
			case domain.ActionUpdate:
				if _, ok := n.Data["assigned_to"]; ok {
					return fmt.Sprintf("Lead %s assigned to %s", company, field(n, current, "assigned_to_name")), domain.BannerInfo
				}
			}
			return "", ""
		},
	}
}

func TicketsPolicy() ViewPolicy {
	return workPolicy(ViewTickets, domain.EntityTickets, "/api/tickets", "tickets", "Ticket")
}

func TasksPolicy() ViewPolicy {
	return workPolicy(ViewTasks, domain.EntityTasks, "/api/tasks", "tasks", "Task")
}

// ProjectsPolicy always reloads: project rows carry progress figures the
// backend derives from their tasks, so a task change reloads projects too.
func ProjectsPolicy() ViewPolicy {
	p := workPolicy(ViewProjects, domain.EntityProjects, "/api/projects", "projects", "Project")
	p.Tables = append(p.Tables, domain.EntityTasks)
	p.FullReload = []domain.EntityKind{domain.EntityProjects, domain.EntityTasks}
	return p
}

func workPolicy(name string, table domain.EntityKind, path, key, noun string) ViewPolicy {
	return ViewPolicy{
		Name:      name,
		Tables:    []domain.EntityKind{table},
		List:      ports.ListQuery{Path: path, Key: key},
		Normalize: defaultNames("title", "assignee_name"),
		Describe: func(n domain.ChangeNotification, current domain.Record) (string, domain.BannerLevel) {
			if n.Table != table {
				return "", ""
			}
			title := field(n, current, "title")
			switch n.Action {
			case domain.ActionInsert:
				return fmt.Sprintf("New %s: %s", strings.ToLower(noun), title), domain.BannerInfo
			case domain.ActionUpdate:
				if s, ok := n.Data["status"]; ok && s != nil {
					return fmt.Sprintf("%s %s moved to %v", noun, title, s), domain.BannerInfo
				}
			}
			return "", ""
		},
	}
}

// --- Actions ---

func ApproveRegistration(id, company string) Action {
	return Action{
		Name:        "approve_registration",
		Request:     ports.MutationRequest{Method: http.MethodPost, Path: fmt.Sprintf("/api/vendor-registrations/%s/approve", id)},
		RecordID:    id,
		Patch:       domain.Record{"status": "approved"},
		SuccessText: company + " registration approved",
	}
}

func DeclineRegistration(id, company, reason string) Action {
	return Action{
		Name: "decline_registration",
		Request: ports.MutationRequest{
			Method: http.MethodPost,
			Path:   fmt.Sprintf("/api/vendor-registrations/%s/decline", id),
			Body:   map[string]string{"reason": reason},
		},
		RecordID:    id,
		Patch:       domain.Record{"status": "rejected", "rejection_reason": reason},
		SuccessText: company + " registration rejected",
	}
}

func ClockIn(recordID, employeeID string, at time.Time) Action {
	stamp := at.UTC().Format(time.RFC3339)
	return Action{
		Name: "clock_in",
		Request: ports.MutationRequest{
			Method: http.MethodPost,
			Path:   "/api/attendance/clock-in",
			Body:   map[string]string{"employee_id": employeeID, "timestamp": stamp},
		},
		RecordID:    recordID,
		Patch:       domain.Record{"clock_in": stamp, "status": "present"},
		SuccessText: "Clocked in",
	}
}

func ClockOut(recordID, employeeID string, at time.Time) Action {
	stamp := at.UTC().Format(time.RFC3339)
	return Action{
		Name: "clock_out",
		Request: ports.MutationRequest{
			Method: http.MethodPost,
			Path:   "/api/attendance/clock-out",
			Body:   map[string]string{"employee_id": employeeID, "timestamp": stamp},
		},
		RecordID:    recordID,
		Patch:       domain.Record{"clock_out": stamp},
		SuccessText: "Clocked out",
	}
}

func AssignLead(leadID, userID, userName string) Action {
	return Action{
		Name: "assign_lead",
		Request: ports.MutationRequest{
			Method: http.MethodPut,
			Path:   fmt.Sprintf("/api/leads/%s/assign", leadID),
			Body:   map[string]string{"assigned_to": userID},
		},
		RecordID:    leadID,
		Patch:       domain.Record{"assigned_to": userID, "assigned_to_name": userName},
		SuccessText: "Lead assigned to " + userName,
	}
}

// ScheduleNDAEmail queues the NDA email; its delivery is reported later
// through an email_sent or email_failed event.
func ScheduleNDAEmail(formID, company string, sendAt time.Time) Action {
	return Action{
		Name: "schedule_nda_email",
		Request: ports.MutationRequest{
			Method: http.MethodPost,
			Path:   fmt.Sprintf("/api/nda-forms/%s/send-email", formID),
			Body:   map[string]string{"send_at": sendAt.UTC().Format(time.RFC3339)},
		},
		RecordID:    formID,
		Patch:       domain.Record{"email_status": "scheduled"},
		SuccessText: "Email to " + company + " scheduled",
	}
}

func DeleteLead(leadID string) Action {
	return Action{
		Name:     "delete_lead",
		Request:  ports.MutationRequest{Method: http.MethodDelete, Path: "/api/leads/" + leadID},
		RecordID: leadID,
		Remove:   true,
	}
}

// --- helpers ---

func defaultNames(keys ...string) func(domain.Record) domain.Record {
	return func(r domain.Record) domain.Record {
		for _, k := range keys {
			r[k] = r.String(k, domain.UnknownName)
		}
		return r
	}
}

// field prefers the value carried by the notification, then the local row.
func field(n domain.ChangeNotification, current domain.Record, key string) string {
	if v := n.Data.String(key, ""); v != "" {
		return v
	}
	return current.String(key, domain.UnknownName)
}

func status(n domain.ChangeNotification, current domain.Record) string {
	return strings.ToLower(field(n, current, "status"))
}
