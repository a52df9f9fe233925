package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// ExportFormat selects the file format of a locally synthesized report.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
)

// reportDownloads lists the server endpoint behind each report kind.
var reportDownloads = map[domain.ReportKind]ports.DownloadRequest{
	domain.ReportAttendanceDaily:   {Path: "/api/attendance/export", ContentType: "text/csv", FileName: "attendance_daily.csv"},
	domain.ReportAttendanceMonthly: {Path: "/api/attendance/monthly-report/export", ContentType: "text/csv", FileName: "attendance_monthly.csv"},
	domain.ReportLeadTemplate:      {Path: "/api/leads/template", ContentType: "text/csv", FileName: "lead_template.csv"},
	domain.ReportNDAExport:         {Path: "/api/nda-forms/export", ContentType: "text/csv", FileName: "nda_export.csv"},
}

// reportSources names the view whose records back a synthesized report.
var reportSources = map[domain.ReportKind]string{
	domain.ReportAttendanceDaily: ViewAttendance,
	domain.ReportLeadTemplate:    ViewLeads,
	domain.ReportNDAExport:       ViewNDAForms,
}

// DownloadRequestFor returns the server export request for kind with params
// attached.
func DownloadRequestFor(kind domain.ReportKind, params url.Values) (ports.DownloadRequest, error) {
	req, ok := reportDownloads[kind]
	if !ok {
		return ports.DownloadRequest{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownReport, kind)
	}
	req.Params = params
	return req, nil
}

// ReportSource returns the view policy whose list feeds kind, if any.
func ReportSource(kind domain.ReportKind) (ViewPolicy, bool) {
	name, ok := reportSources[kind]
	if !ok {
		return ViewPolicy{}, false
	}
	return PolicyByName(name)
}

// ExportService downloads report files from the backend and synthesizes them
// from already-fetched records when the endpoint cannot serve them.
type ExportService struct {
	api      ports.PortalAPI
	encoders map[ExportFormat]ports.ReportEncoder
	logger   *slog.Logger
}

// NewExportService creates an export service. csv is required; it is the
// fallback for every failed download.
func NewExportService(api ports.PortalAPI, csv, xlsx ports.ReportEncoder, logger *slog.Logger) *ExportService {
	encoders := map[ExportFormat]ports.ReportEncoder{FormatCSV: csv}
	if xlsx != nil {
		encoders[FormatXLSX] = xlsx
	}
	return &ExportService{
		api:      api,
		encoders: encoders,
		logger:   logger.With("component", "export"),
	}
}

// Export requests the server-rendered file. When the download fails, or the
// response has the wrong content type or no body, the file is rebuilt as CSV
// from records.
func (s *ExportService) Export(ctx context.Context, kind domain.ReportKind, req ports.DownloadRequest, records []domain.Record) (*domain.File, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownReport, kind)
	}
	return s.ExportRows(ctx, kind, req, func() [][]string {
		return domain.ReportRows(kind, records)
	})
}

// ExportMonthly exports a finished monthly report.
func (s *ExportService) ExportMonthly(ctx context.Context, req ports.DownloadRequest, report *MonthlyReport) (*domain.File, error) {
	return s.ExportRows(ctx, domain.ReportAttendanceMonthly, req, report.Cells)
}

// ExportRows is Export with the fallback rows computed lazily.
func (s *ExportService) ExportRows(ctx context.Context, kind domain.ReportKind, req ports.DownloadRequest, rows func() [][]string) (*domain.File, error) {
	if req.Path != "" {
		file, err := s.api.Download(ctx, req)
		if err == nil {
			s.logger.Info("report downloaded", "report", kind, "bytes", len(file.Data))
			return file, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("server export unavailable, synthesizing csv", "report", kind, "error", err)
	}

	return s.Synthesize(kind, FormatCSV, rows())
}

// Synthesize encodes rows locally in the requested format.
func (s *ExportService) Synthesize(kind domain.ReportKind, format ExportFormat, rows [][]string) (*domain.File, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownReport, kind)
	}
	enc, ok := s.encoders[format]
	if !ok {
		return nil, fmt.Errorf("no encoder for format %q", format)
	}
	file, err := enc.Encode(kind, rows)
	if err != nil {
		return nil, fmt.Errorf("encode %s as %s: %w", kind, format, err)
	}
	file.Synthesized = true
	return file, nil
}
