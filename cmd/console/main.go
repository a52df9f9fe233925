package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/lorrc/portal-sync/internal/config"
	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/services"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

const version = "0.1.0"

const usage = `Portal sync console.

Keeps dashboard views in sync with the portal backend through the real-time
relay, runs actions against them and builds reports.

Usage:
    console watch [--views=<names>] [--for=<duration>]
    console report daily <date> [--out=<path>]
    console report monthly <month> [--out=<path>]
    console export <kind> [--format=<format>] [--out=<path>]
    console approve <registration_id> <company>
    console decline <registration_id> <company> <reason>
    console assign-lead <lead_id> <user_id> <user_name>
    console delete-lead <lead_id>
    console schedule-nda <form_id> <company> [--at=<time>]
    console clock-in <record_id> <employee_id>
    console clock-out <record_id> <employee_id>
    console -h | --help
    console --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --views=<names>      Comma-separated views to mount [default: all].
    --for=<duration>     Stop watching after this long, e.g. 10m.
    --out=<path>         Write the file here instead of its default name.
    --format=<format>    csv or xlsx [default: csv].
    --at=<time>          RFC 3339 send time, defaults to now.

Report kinds: attendance_daily, lead_template, nda_export.
Dates are YYYY-MM-DD, months YYYY-MM.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(config.ModeConsole)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stderr,
		ServiceName: cfg.App.Name + "-console",
		Environment: cfg.App.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newConsole(cfg, os.Stdout, logger)
	if err != nil {
		logger.Error("failed to start console", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := run(ctx, app, opts); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, app *console, opts docopt.Opts) error {
	out, _ := opts.String("--out")

	switch {
	case flag(opts, "watch"):
		names, _ := opts.String("--views")
		var limit time.Duration
		if raw, _ := opts.String("--for"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("invalid --for: %w", err)
			}
			limit = d
		}
		return app.Watch(ctx, names, limit)

	case flag(opts, "report") && flag(opts, "daily"):
		raw, _ := opts.String("<date>")
		day, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", raw, err)
		}
		return app.DailyReport(ctx, day, out)

	case flag(opts, "report") && flag(opts, "monthly"):
		raw, _ := opts.String("<month>")
		month, err := time.Parse("2006-01", raw)
		if err != nil {
			return fmt.Errorf("invalid month %q: %w", raw, err)
		}
		return app.MonthlyReport(ctx, month, out)

	case flag(opts, "export"):
		kind, _ := opts.String("<kind>")
		format, _ := opts.String("--format")
		return app.Export(ctx, domain.ReportKind(kind), services.ExportFormat(format), out)

	case flag(opts, "approve"):
		id, _ := opts.String("<registration_id>")
		company, _ := opts.String("<company>")
		return app.Act(ctx, services.ViewRegistrations, services.ApproveRegistration(id, company))

	case flag(opts, "decline"):
		id, _ := opts.String("<registration_id>")
		company, _ := opts.String("<company>")
		reason, _ := opts.String("<reason>")
		return app.Act(ctx, services.ViewRegistrations, services.DeclineRegistration(id, company, reason))

	case flag(opts, "assign-lead"):
		leadID, _ := opts.String("<lead_id>")
		userID, _ := opts.String("<user_id>")
		userName, _ := opts.String("<user_name>")
		return app.Act(ctx, services.ViewLeads, services.AssignLead(leadID, userID, userName))

	case flag(opts, "delete-lead"):
		leadID, _ := opts.String("<lead_id>")
		return app.Act(ctx, services.ViewLeads, services.DeleteLead(leadID))

	case flag(opts, "schedule-nda"):
		formID, _ := opts.String("<form_id>")
		company, _ := opts.String("<company>")
		at := time.Now()
		if raw, _ := opts.String("--at"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			at = t
		}
		return app.Act(ctx, services.ViewNDAForms, services.ScheduleNDAEmail(formID, company, at))

	case flag(opts, "clock-in"):
		recordID, _ := opts.String("<record_id>")
		employeeID, _ := opts.String("<employee_id>")
		return app.Act(ctx, services.ViewAttendance, services.ClockIn(recordID, employeeID, time.Now()))

	case flag(opts, "clock-out"):
		recordID, _ := opts.String("<record_id>")
		employeeID, _ := opts.String("<employee_id>")
		return app.Act(ctx, services.ViewAttendance, services.ClockOut(recordID, employeeID, time.Now()))
	}
	return fmt.Errorf("no command given")
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}
