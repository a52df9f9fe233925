package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ViewPhase is the lifecycle state of a view's local list.
type ViewPhase string

const (
	PhaseIdle    ViewPhase = "idle"
	PhaseLoading ViewPhase = "loading"
	PhaseReady   ViewPhase = "ready"
	PhaseError   ViewPhase = "error"
)

// ViewState is a point-in-time copy of a view's list. It is never shared
// between views.
type ViewState struct {
	View      string
	Phase     ViewPhase
	Loading   bool
	Records   []Record
	LastError string
	UpdatedAt time.Time
}

// Filter holds the client-side search, status filter and sort parameters.
type Filter struct {
	Search    string
	Status    string
	SortField string
	SortDesc  bool
}

// Apply returns the records that match the filter, sorted as requested.
// The input slice is not modified.
func (f Filter) Apply(records []Record) []Record {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	status := strings.TrimSpace(f.Status)

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if status != "" && !strings.EqualFold(r.String("status", ""), status) {
			continue
		}
		if search != "" && !matchesSearch(r, search) {
			continue
		}
		out = append(out, r)
	}

	if f.SortField != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := compareField(out[i], out[j], f.SortField)
			if f.SortDesc {
				return compareField(out[j], out[i], f.SortField)
			}
			return less
		})
	}
	return out
}

func matchesSearch(r Record, needle string) bool {
	for _, v := range r {
		s, ok := v.(string)
		if ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// compareField orders numerically when both values parse as numbers,
// otherwise case-insensitively as strings. Missing values sort first.
func compareField(a, b Record, field string) bool {
	as := a.String(field, "")
	bs := b.String(field, "")
	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	if aerr == nil && berr == nil {
		return af < bf
	}
	return strings.ToLower(as) < strings.ToLower(bs)
}
