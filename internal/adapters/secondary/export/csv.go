package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

const ContentTypeCSV = "text/csv; charset=utf-8"

// CSVEncoder writes reports as RFC 4180 CSV, header row first.
type CSVEncoder struct {
	now func() time.Time
}

var _ ports.ReportEncoder = (*CSVEncoder)(nil)

func NewCSVEncoder() *CSVEncoder {
	return &CSVEncoder{now: time.Now}
}

func (e *CSVEncoder) Encode(kind domain.ReportKind, rows [][]string) (*domain.File, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownReport, kind)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(kind.Header()); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}

	return &domain.File{
		Name:        fileName(kind, e.now(), "csv"),
		ContentType: ContentTypeCSV,
		Data:        buf.Bytes(),
	}, nil
}

func fileName(kind domain.ReportKind, at time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", kind, at.Format("20060102"), ext)
}
