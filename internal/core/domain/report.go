package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReportKind selects the header layout of an exported report.
type ReportKind string

const (
	ReportAttendanceDaily   ReportKind = "attendance_daily"
	ReportAttendanceMonthly ReportKind = "attendance_monthly"
	ReportLeadTemplate      ReportKind = "lead_template"
	ReportNDAExport         ReportKind = "nda_export"
)

// Header rows are consumed by downstream spreadsheets; column order is fixed.
var reportHeaders = map[ReportKind][]string{
	ReportAttendanceDaily:   {"Employee Name", "Employee Code", "Date", "Clock In", "Clock Out", "Status", "Total Hours", "Late Minutes"},
	ReportAttendanceMonthly: {"Employee Name", "Employee Code", "Days Present", "Days Absent", "Days Late", "Total Hours", "Total Late Minutes"},
	ReportLeadTemplate:      {"Company Name", "Contact Person", "Email", "Phone", "Source", "Status", "Notes"},
	ReportNDAExport:         {"Company Name", "Contact Person", "Email", "Status", "Submitted At", "Signed By"},
}

// IsValid reports whether the kind has a known header layout.
func (k ReportKind) IsValid() bool {
	_, ok := reportHeaders[k]
	return ok
}

// Header returns a copy of the header row for the report kind.
func (k ReportKind) Header() []string {
	h := reportHeaders[k]
	out := make([]string, len(h))
	copy(out, h)
	return out
}

// AttendanceRow is one employee-day of the attendance report.
type AttendanceRow struct {
	EmployeeName string
	EmployeeCode string
	Date         string
	ClockIn      string
	ClockOut     string
	Status       string
	TotalHours   decimal.Decimal
	LateMinutes  int64
}

// AttendanceRowFromRecord normalizes an attendance record, defaulting missing fields.
func AttendanceRowFromRecord(r Record) AttendanceRow {
	row := AttendanceRow{
		EmployeeName: r.String("employee_name", UnknownName),
		EmployeeCode: r.String("employee_code", ""),
		Date:         r.String("date", ""),
		ClockIn:      r.String("clock_in", ""),
		ClockOut:     r.String("clock_out", ""),
		Status:       strings.ToLower(r.String("status", "absent")),
	}

	if h, err := decimal.NewFromString(r.String("total_hours", "")); err == nil {
		row.TotalHours = h.Round(2)
	} else {
		row.TotalHours = hoursBetween(row.ClockIn, row.ClockOut)
	}
	row.LateMinutes = intField(r, "late_minutes")
	return row
}

// Cells renders the row in attendance_daily column order.
func (a AttendanceRow) Cells() []string {
	return []string{
		a.EmployeeName,
		a.EmployeeCode,
		a.Date,
		a.ClockIn,
		a.ClockOut,
		a.Status,
		a.TotalHours.StringFixed(2),
		decimal.NewFromInt(a.LateMinutes).String(),
	}
}

// MonthlyAttendanceRow aggregates one employee across a month.
type MonthlyAttendanceRow struct {
	EmployeeName     string
	EmployeeCode     string
	DaysPresent      int
	DaysAbsent       int
	DaysLate         int
	TotalHours       decimal.Decimal
	TotalLateMinutes int64
}

// Cells renders the row in attendance_monthly column order.
func (m MonthlyAttendanceRow) Cells() []string {
	return []string{
		m.EmployeeName,
		m.EmployeeCode,
		decimal.NewFromInt(int64(m.DaysPresent)).String(),
		decimal.NewFromInt(int64(m.DaysAbsent)).String(),
		decimal.NewFromInt(int64(m.DaysLate)).String(),
		m.TotalHours.StringFixed(2),
		decimal.NewFromInt(m.TotalLateMinutes).String(),
	}
}

// MonthlyAttendanceRowFromRecord reads one row of the server-side monthly aggregate.
func MonthlyAttendanceRowFromRecord(r Record) MonthlyAttendanceRow {
	row := MonthlyAttendanceRow{
		EmployeeName: r.String("employee_name", UnknownName),
		EmployeeCode: r.String("employee_code", ""),
		DaysPresent:  int(intField(r, "days_present")),
		DaysAbsent:   int(intField(r, "days_absent")),
		DaysLate:     int(intField(r, "days_late")),
	}
	if h, err := decimal.NewFromString(r.String("total_hours", "")); err == nil {
		row.TotalHours = h.Round(2)
	}
	row.TotalLateMinutes = intField(r, "total_late_minutes")
	return row
}

func intField(r Record, key string) int64 {
	d, err := decimal.NewFromString(r.String(key, "0"))
	if err != nil {
		return 0
	}
	return d.IntPart()
}

// AggregateMonthly folds daily rows into one row per employee, ordered by name.
func AggregateMonthly(days []AttendanceRow) []MonthlyAttendanceRow {
	byKey := make(map[string]*MonthlyAttendanceRow)
	order := make([]string, 0)

	for _, d := range days {
		key := d.EmployeeCode
		if key == "" {
			key = d.EmployeeName
		}
		m, ok := byKey[key]
		if !ok {
			m = &MonthlyAttendanceRow{EmployeeName: d.EmployeeName, EmployeeCode: d.EmployeeCode}
			byKey[key] = m
			order = append(order, key)
		}

		switch d.Status {
		case "absent":
			m.DaysAbsent++
		case "late":
			m.DaysPresent++
			m.DaysLate++
		default:
			m.DaysPresent++
			if d.LateMinutes > 0 {
				m.DaysLate++
			}
		}
		m.TotalHours = m.TotalHours.Add(d.TotalHours)
		m.TotalLateMinutes += d.LateMinutes
	}

	out := make([]MonthlyAttendanceRow, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].EmployeeName) < strings.ToLower(out[j].EmployeeName)
	})
	return out
}

// ReportRows converts already-fetched records into cells for the report kind.
// Attendance monthly rows must come from AggregateMonthly instead.
func ReportRows(kind ReportKind, records []Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		switch kind {
		case ReportAttendanceDaily:
			rows = append(rows, AttendanceRowFromRecord(r).Cells())
		case ReportLeadTemplate:
			rows = append(rows, []string{
				r.String("company_name", UnknownName),
				r.String("contact_person", ""),
				r.String("email", ""),
				r.String("phone", ""),
				r.String("source", ""),
				r.String("status", ""),
				r.String("notes", ""),
			})
		case ReportNDAExport:
			rows = append(rows, []string{
				r.String("company_name", UnknownName),
				r.String("contact_person", ""),
				r.String("email", ""),
				r.String("status", ""),
				r.String("submitted_at", ""),
				r.String("signed_by", ""),
			})
		}
	}
	return rows
}

// ElapsedHours is the time between anchor and now in hours, rounded to two
// places. It depends only on its inputs, so repeated ticks never drift.
func ElapsedHours(anchor, now time.Time) decimal.Decimal {
	if anchor.IsZero() || now.Before(anchor) {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(int64(now.Sub(anchor) / time.Second))
	return seconds.Div(decimal.NewFromInt(3600)).Round(2)
}

func hoursBetween(clockIn, clockOut string) decimal.Decimal {
	in, err := parseClock(clockIn)
	if err != nil {
		return decimal.Zero
	}
	out, err := parseClock(clockOut)
	if err != nil {
		return decimal.Zero
	}
	return ElapsedHours(in, out)
}

func parseClock(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Parse(time.RFC3339, v)
}
