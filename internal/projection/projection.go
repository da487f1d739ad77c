// Package projection turns reconciled package rows into the rows a screen
// shows. Everything here is pure.
package projection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
)

// TabAll shows every package.
const TabAll = "all"

// UnknownLocation labels packages without a location.
const UnknownLocation = "-"

const day = 24 * time.Hour

// TimeField selects which timestamp a date range applies to.
type TimeField string

const (
	FieldShelving    TimeField = "shelving"
	FieldInstruction TimeField = "instruction"
	FieldUnshelving  TimeField = "unshelving"
)

func (f TimeField) Valid() bool {
	switch f {
	case FieldShelving, FieldInstruction, FieldUnshelving:
		return true
	}
	return false
}

func (f TimeField) value(p parcel.Package) *time.Time {
	switch f {
	case FieldInstruction:
		return p.InstructionTime
	case FieldUnshelving:
		return p.UnshelvingTime
	default:
		return p.ShelvingTime
	}
}

// Filter is the user's selection. The zero value selects everything.
type Filter struct {
	// Tab is TabAll, a status or an instruction.
	Tab      string
	Location string
	// Search matches package number and location, case-insensitively.
	Search    string
	TimeField TimeField
	// Start and End are calendar days. The range applies only when both are
	// set and End includes its whole day.
	Start time.Time
	End   time.Time
}

// ValidTab reports whether tab names a known category.
func ValidTab(tab string) bool {
	if tab == "" || tab == TabAll {
		return true
	}
	return parcel.Status(tab).Valid() || parcel.Instruction(tab).Valid()
}

// Tabs lists the tabs in display order.
func Tabs() []string {
	out := []string{TabAll}
	for _, s := range parcel.Statuses {
		out = append(out, string(s))
	}
	for _, i := range parcel.Instructions {
		out = append(out, string(i))
	}
	return out
}

func matchTab(tab string, p parcel.Package) bool {
	switch {
	case tab == "" || tab == TabAll:
		return true
	case parcel.Status(tab).Valid():
		return p.PackageStatus == parcel.Status(tab)
	default:
		return p.InstructionValue() == parcel.Instruction(tab)
	}
}

func matchSearch(q string, p parcel.Package) bool {
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.PackageNumber), q) ||
		strings.Contains(strings.ToLower(p.Location), q)
}

func (f Filter) matchRange(p parcel.Package) bool {
	if f.Start.IsZero() || f.End.IsZero() {
		return true
	}
	field := f.TimeField
	if !field.Valid() {
		field = FieldShelving
	}
	ts := field.value(p)
	if ts == nil {
		return false
	}
	upper := f.End.Add(day)
	return !ts.Before(f.Start) && !ts.After(upper)
}

// Project returns the rows of rows selected by f, keeping their order.
func Project(rows []parcel.Package, f Filter) []parcel.Package {
	q := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]parcel.Package, 0, len(rows))
	for _, p := range rows {
		if !matchTab(f.Tab, p) {
			continue
		}
		if f.Location != "" && p.Location != f.Location {
			continue
		}
		if !matchSearch(q, p) || !f.matchRange(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Group is the packages of one location.
type Group struct {
	Location string           `json:"location"`
	Packages []parcel.Package `json:"packages"`
}

// GroupByLocation groups rows by location in order of first appearance.
func GroupByLocation(rows []parcel.Package) []Group {
	index := map[string]int{}
	var out []Group
	for _, p := range rows {
		loc := p.Location
		if strings.TrimSpace(loc) == "" {
			loc = UnknownLocation
		}
		i, ok := index[loc]
		if !ok {
			i = len(out)
			index[loc] = i
			out = append(out, Group{Location: loc})
		}
		out[i].Packages = append(out[i].Packages, p)
	}
	return out
}

// TabCount is the number of rows under one tab.
type TabCount struct {
	Tab   string `json:"tab"`
	Count int    `json:"count"`
}

// TabCounts counts rows per tab, in display order.
func TabCounts(rows []parcel.Package) []TabCount {
	tabs := Tabs()
	out := make([]TabCount, 0, len(tabs))
	for _, tab := range tabs {
		n := 0
		for _, p := range rows {
			if matchTab(tab, p) {
				n++
			}
		}
		out = append(out, TabCount{Tab: tab, Count: n})
	}
	return out
}

// Worklist is the pending-removal packages grouped by location, locations
// sorted by code with unknown last.
func Worklist(rows []parcel.Package) []Group {
	groups := GroupByLocation(Project(rows, Filter{Tab: string(parcel.StatusPendingRemoval)}))
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Location, groups[j].Location
		if (a == UnknownLocation) != (b == UnknownLocation) {
			return b == UnknownLocation
		}
		return a < b
	})
	return groups
}

// ParseDay parses a YYYY-MM-DD calendar day in loc. Empty input yields the zero time.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
