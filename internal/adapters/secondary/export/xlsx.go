package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

const (
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	sheetName       = "Sheet1"
)

// XLSXEncoder writes reports as a single-sheet workbook with the same header
// row as the CSV export.
type XLSXEncoder struct {
	now func() time.Time
}

var _ ports.ReportEncoder = (*XLSXEncoder)(nil)

func NewXLSXEncoder() *XLSXEncoder {
	return &XLSXEncoder{now: time.Now}
}

func (e *XLSXEncoder) Encode(kind domain.ReportKind, rows [][]string) (*domain.File, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownReport, kind)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := writeRow(f, 1, kind.Header()); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := writeRow(f, i+2, row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return &domain.File{
		Name:        fileName(kind, e.now(), "xlsx"),
		ContentType: ContentTypeXLSX,
		Data:        buf.Bytes(),
	}, nil
}

func writeRow(f *excelize.File, rowNo int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
		return fmt.Errorf("write row %d: %w", rowNo, err)
	}
	return nil
}
