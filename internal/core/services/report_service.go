package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultReportTimeout is the safety window after which an unfinished
// monthly report is abandoned and the busy flag cleared.
const DefaultReportTimeout = 60 * time.Second

// Report endpoints.
var (
	DailyAttendanceQuery   = ports.ListQuery{Path: "/api/attendance/report", Key: "attendance"}
	MonthlyAttendanceQuery = ports.ListQuery{Path: "/api/attendance/monthly-report", Key: "report"}
)

// MonthlyReport is the result of one monthly run.
type MonthlyReport struct {
	Month time.Time
	Rows  []domain.MonthlyAttendanceRow

	// Degraded is set when the server aggregate was unavailable and the rows
	// were assembled from per-day fetches. FailedDays lists the days that
	// could not be fetched and are missing from the totals.
	Degraded   bool
	FailedDays []string
}

// Cells renders the rows in attendance_monthly column order.
func (r *MonthlyReport) Cells() [][]string {
	out := make([][]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, row.Cells())
	}
	return out
}

// ReportService builds attendance reports and guards the long-running
// monthly run with a safety timeout.
type ReportService struct {
	api      ports.PortalAPI
	notifier ports.Notifier
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	runID      uint64
	inProgress bool
	cancel     context.CancelFunc
	timer      *time.Timer
	done       func(*MonthlyReport, error)
}

// NewReportService creates a report service. A non-positive timeout uses
// DefaultReportTimeout.
func NewReportService(api ports.PortalAPI, notifier ports.Notifier, timeout time.Duration, logger *slog.Logger) *ReportService {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	return &ReportService{
		api:      api,
		notifier: notifier,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With("component", "reports"),
	}
}

// DailyAttendance fetches the attendance rows for one day.
func (s *ReportService) DailyAttendance(ctx context.Context, day time.Time) ([]domain.AttendanceRow, error) {
	q := DailyAttendanceQuery
	q.Params = url.Values{"date": {day.Format(time.DateOnly)}}

	records, err := s.api.FetchList(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("attendance for %s: %w", day.Format(time.DateOnly), err)
	}

	rows := make([]domain.AttendanceRow, 0, len(records))
	for _, r := range records {
		row := domain.AttendanceRowFromRecord(r)
		if row.Date == "" {
			row.Date = day.Format(time.DateOnly)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// InProgress reports whether a monthly run is active.
func (s *ReportService) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// StartMonthly begins building the report for month in the background and
// calls done exactly once: with the report, with ErrOperationTimeout when the
// safety window elapses first, or with context.Canceled after Reset.
func (s *ReportService) StartMonthly(ctx context.Context, month time.Time, done func(*MonthlyReport, error)) error {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return apperrors.ErrOperationInProgress
	}
	s.runID++
	id := s.runID
	runCtx, cancel := context.WithCancel(ctx)
	s.inProgress = true
	s.cancel = cancel
	s.done = done
	s.timer = time.AfterFunc(s.timeout, func() { s.expire(id) })
	s.mu.Unlock()

	s.logger.Info("monthly report started", "month", month.Format("2006-01"))

	go func() {
		report, err := s.buildMonthly(runCtx, month)
		s.finish(id, report, err)
	}()
	return nil
}

// Reset abandons the active run, if any, and clears the busy flag. Results
// of the abandoned run are discarded.
func (s *ReportService) Reset() bool {
	done, ok := s.end(0)
	if !ok {
		return false
	}
	s.logger.Info("monthly report reset")
	if done != nil {
		done(nil, context.Canceled)
	}
	return true
}

func (s *ReportService) finish(id uint64, report *MonthlyReport, err error) {
	done, ok := s.end(id)
	if !ok {
		s.logger.Debug("discarding result of abandoned monthly run", "run_id", id)
		return
	}
	if err != nil {
		s.logger.Error("monthly report failed", "error", err)
		s.notify(domain.BannerError, "Failed to build monthly report.")
	} else {
		s.logger.Info("monthly report finished",
			"rows", len(report.Rows),
			"degraded", report.Degraded,
			"failed_days", len(report.FailedDays),
		)
		if len(report.FailedDays) > 0 {
			s.notify(domain.BannerWarning, fmt.Sprintf("Monthly report is missing %d day(s).", len(report.FailedDays)))
		}
	}
	if done != nil {
		done(report, err)
	}
}

func (s *ReportService) expire(id uint64) {
	done, ok := s.end(id)
	if !ok {
		return
	}
	s.logger.Warn("monthly report timed out", "timeout", s.timeout)
	s.notify(domain.BannerWarning, "Monthly report timed out. Please try again.")
	if done != nil {
		done(nil, apperrors.ErrOperationTimeout)
	}
}

// end clears the busy flag for run id (0 means whichever run is active) and
// returns its callback. Only the first caller for a run gets ok.
func (s *ReportService) end(id uint64) (func(*MonthlyReport, error), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inProgress || (id != 0 && id != s.runID) {
		return nil, false
	}
	s.inProgress = false
	s.timer.Stop()
	s.cancel()
	done := s.done
	s.done = nil
	s.timer = nil
	s.cancel = nil
	return done, true
}

func (s *ReportService) buildMonthly(ctx context.Context, month time.Time) (*MonthlyReport, error) {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	report := &MonthlyReport{Month: first}

	q := MonthlyAttendanceQuery
	q.Params = url.Values{"month": {first.Format("2006-01")}}
	records, err := s.api.FetchList(ctx, q)
	if err == nil {
		report.Rows = make([]domain.MonthlyAttendanceRow, 0, len(records))
		for _, r := range records {
			report.Rows = append(report.Rows, domain.MonthlyAttendanceRowFromRecord(r))
		}
		return report, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.Warn("monthly aggregate unavailable, assembling from daily reports", "error", err)
	report.Degraded = true

	var days []domain.AttendanceRow
	last := first.AddDate(0, 1, 0)
	if today := s.now().In(first.Location()); today.Before(last) {
		last = time.Date(today.Year(), today.Month(), today.Day()+1, 0, 0, 0, 0, first.Location())
	}
	for day := first; day.Before(last); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := s.DailyAttendance(ctx, day)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			s.logger.Warn("skipping day in monthly report", "date", day.Format(time.DateOnly), "error", err)
			report.FailedDays = append(report.FailedDays, day.Format(time.DateOnly))
			continue
		}
		days = append(days, rows...)
	}
	report.Rows = domain.AggregateMonthly(days)
	return report, nil
}

func (s *ReportService) notify(level domain.BannerLevel, text string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.Background(), domain.NewBanner(level, "reports", text))
}
