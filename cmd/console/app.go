package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lorrc/portal-sync/internal/adapters/secondary/channel"
	"github.com/lorrc/portal-sync/internal/adapters/secondary/export"
	"github.com/lorrc/portal-sync/internal/adapters/secondary/notify"
	"github.com/lorrc/portal-sync/internal/adapters/secondary/restapi"
	"github.com/lorrc/portal-sync/internal/auth"
	"github.com/lorrc/portal-sync/internal/config"
	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/services"
)

// console is the composition root: one API client, one pair of buses, one
// notifier. Views are built on demand with the buses injected.
type console struct {
	cfg      *config.Config
	token    string
	api      *restapi.Client
	notifier *notify.BannerNotifier
	changes  *services.Bus[domain.ChangeNotification]
	emails   *services.Bus[domain.EmailOutcome]
	reports  *services.ReportService
	exports  *services.ExportService
	actions  *services.Dispatcher
	logger   *slog.Logger
}

func newConsole(cfg *config.Config, out io.Writer, logger *slog.Logger) (*console, error) {
	token, err := resolveToken(cfg, logger)
	if err != nil {
		return nil, err
	}

	api, err := restapi.New(restapi.Config{
		BaseURL:           cfg.Portal.APIBaseURL,
		Token:             token,
		Timeout:           cfg.Portal.RequestTimeout,
		RequestsPerSecond: cfg.Portal.RequestsPerSecond,
	}, logger)
	if err != nil {
		return nil, err
	}

	notifier := notify.NewBannerNotifier(cfg.Portal.BannerTTL, out, logger)

	return &console{
		cfg:      cfg,
		token:    token,
		api:      api,
		notifier: notifier,
		changes:  services.NewChangeBus(logger),
		emails:   services.NewEmailOutcomeBus(logger),
		reports:  services.NewReportService(api, notifier, cfg.Portal.ReportTimeout, logger),
		exports:  services.NewExportService(api, export.NewCSVEncoder(), export.NewXLSXEncoder(), logger),
		actions:  services.NewDispatcher(api, notifier, logger),
		logger:   logger,
	}, nil
}

// resolveToken uses PORTAL_TOKEN, or in development mints a short-lived
// subscribe token from JWT_SECRET.
func resolveToken(cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Portal.Token != "" {
		return cfg.Portal.Token, nil
	}
	tm := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)
	token, err := tm.GenerateToken(uuid.New(), auth.ScopeSubscribe)
	if err != nil {
		return "", fmt.Errorf("mint development token: %w", err)
	}
	logger.Warn("using a development token minted from JWT_SECRET")
	return token, nil
}

// Close dismisses pending banners.
func (c *console) Close() {
	c.notifier.Close()
}

func (c *console) view(policy services.ViewPolicy) *services.ViewStore {
	return services.NewViewStore(policy, c.api, c.changes, c.notifier, c.logger)
}

func selectPolicies(names string) ([]services.ViewPolicy, error) {
	if names == "" || names == "all" {
		return services.DefaultPolicies(), nil
	}
	var out []services.ViewPolicy
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		policy, ok := services.PolicyByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown view %q", name)
		}
		out = append(out, policy)
	}
	if len(out) == 0 {
		return nil, errors.New("no views selected")
	}
	return out, nil
}

// Watch mounts the views, connects the channel and keeps everything in sync
// until ctx is cancelled or limit elapses.
func (c *console) Watch(ctx context.Context, names string, limit time.Duration) error {
	policies, err := selectPolicies(names)
	if err != nil {
		return err
	}
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	ch, err := channel.New(channel.Config{
		URL:          c.cfg.Portal.RealtimeURL,
		PollURL:      c.cfg.Portal.PollURL,
		Token:        c.token,
		Room:         c.cfg.Portal.Room,
		ReconnectMin: c.cfg.Portal.ReconnectMin,
		ReconnectMax: c.cfg.Portal.ReconnectMax,
		PollInterval: c.cfg.Portal.PollInterval,
	}, c.changes, c.emails, c.logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	stopEmails := services.WatchEmailOutcomes(c.emails, c.notifier, c.logger)
	defer stopEmails()
	stopConn := services.WatchConnection(ch, c.notifier, c.logger)
	defer stopConn()

	views := make([]*services.ViewStore, 0, len(policies))
	for _, p := range policies {
		v := c.view(p)
		v.Mount(ctx)
		views = append(views, v)
	}
	defer func() {
		for _, v := range views {
			v.Unmount()
		}
	}()

	perms := services.NewPermissionPoller(c.api, c.changes, c.cfg.Portal.PermissionsPath, c.cfg.Portal.PermissionPollInterval, c.logger)
	if err := perms.Mount(ctx); err != nil {
		return err
	}
	defer perms.Unmount()
	stopPerms := perms.OnChange(func(set domain.PermissionSet) {
		c.logger.Info("permissions changed", "permissions", set)
	})
	defer stopPerms()

	if err := ch.Connect(ctx); err != nil {
		return err
	}

	started := time.Now()
	services.NewElapsedTicker(c.cfg.Portal.ElapsedTickInterval).Run(ctx, started, func(hours decimal.Decimal) {
		c.logger.Info("sync status",
			"connection", ch.State().Label(),
			"hours", hours.StringFixed(2),
		)
		for _, v := range views {
			snap := v.Snapshot()
			c.logger.Info("view",
				"view", snap.View,
				"phase", snap.Phase,
				"records", len(snap.Records),
				"last_error", snap.LastError,
			)
		}
	})

	c.logger.Info("watch stopped", "reason", context.Cause(ctx))
	return nil
}

// Act mounts the view the action belongs to, dispatches it and reports the
// view once it has settled.
func (c *console) Act(ctx context.Context, viewName string, action services.Action) error {
	policy, ok := services.PolicyByName(viewName)
	if !ok {
		return fmt.Errorf("unknown view %q", viewName)
	}

	v := c.view(policy)
	v.Mount(ctx)
	defer v.Unmount()
	v.Wait()

	if _, err := c.actions.Dispatch(ctx, v, action); err != nil {
		return err
	}
	v.Wait()

	snap := v.Snapshot()
	c.logger.Info("view updated", "view", snap.View, "records", len(snap.Records))
	return nil
}

// DailyReport exports the attendance report for one day.
func (c *console) DailyReport(ctx context.Context, day time.Time, out string) error {
	rows, err := c.reports.DailyAttendance(ctx, day)
	if err != nil {
		return err
	}

	req, err := services.DownloadRequestFor(domain.ReportAttendanceDaily, url.Values{"date": {day.Format(time.DateOnly)}})
	if err != nil {
		return err
	}
	file, err := c.exports.ExportRows(ctx, domain.ReportAttendanceDaily, req, func() [][]string {
		cells := make([][]string, 0, len(rows))
		for _, r := range rows {
			cells = append(cells, r.Cells())
		}
		return cells
	})
	if err != nil {
		return err
	}
	return c.write(file, out)
}

// MonthlyReport runs the monthly aggregation under the safety timeout. An
// interrupt resets the run instead of waiting for it.
func (c *console) MonthlyReport(ctx context.Context, month time.Time, out string) error {
	type result struct {
		report *services.MonthlyReport
		err    error
	}
	done := make(chan result, 1)

	err := c.reports.StartMonthly(ctx, month, func(r *services.MonthlyReport, err error) {
		done <- result{report: r, err: err}
	})
	if err != nil {
		return err
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		c.reports.Reset()
		res = <-done
	}
	if res.err != nil {
		return res.err
	}
	if res.report.Degraded {
		c.logger.Warn("monthly report assembled from daily data", "failed_days", res.report.FailedDays)
	}

	req, err := services.DownloadRequestFor(domain.ReportAttendanceMonthly, url.Values{"month": {month.Format("2006-01")}})
	if err != nil {
		return err
	}
	// The console's context may already be cancelled; the export gets a fresh one.
	file, err := c.exports.ExportMonthly(context.WithoutCancel(ctx), req, res.report)
	if err != nil {
		return err
	}
	return c.write(file, out)
}

// Export writes a report of kind. CSV goes through the server export with
// local fallback; XLSX is always built locally.
func (c *console) Export(ctx context.Context, kind domain.ReportKind, format services.ExportFormat, out string) error {
	if !kind.IsValid() {
		return fmt.Errorf("unknown report kind %q", kind)
	}

	var records []domain.Record
	if policy, ok := services.ReportSource(kind); ok {
		var err error
		records, err = c.api.FetchList(ctx, policy.List)
		if err != nil {
			c.logger.Warn("source list unavailable, exporting headers only", "report", kind, "error", err)
		}
		if policy.Normalize != nil {
			for i, r := range records {
				records[i] = policy.Normalize(r)
			}
		}
	}

	var (
		file *domain.File
		err  error
	)
	switch format {
	case services.FormatXLSX:
		file, err = c.exports.Synthesize(kind, services.FormatXLSX, domain.ReportRows(kind, records))
	case services.FormatCSV, "":
		req, reqErr := services.DownloadRequestFor(kind, nil)
		if reqErr != nil {
			return reqErr
		}
		file, err = c.exports.Export(ctx, kind, req, records)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}
	return c.write(file, out)
}

func (c *console) write(file *domain.File, out string) error {
	if out == "" {
		out = file.Name
	}
	if err := os.WriteFile(out, file.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	c.logger.Info("report written",
		"path", out,
		"bytes", len(file.Data),
		"synthesized", file.Synthesized,
	)
	return nil
}
