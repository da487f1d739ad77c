package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
)

func at(s string) *time.Time {
	t, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func parseDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDay(s, time.UTC)
	require.NoError(t, err)
	return d
}

func instr(i parcel.Instruction) *parcel.Instruction { return &i }

func numbers(rows []parcel.Package) []string {
	out := make([]string, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.PackageNumber)
	}
	return out
}

var sample = []parcel.Package{
	{ID: "4", PackageNumber: "PKG103", Location: "", PackageStatus: parcel.StatusRemoved,
		ShelvingTime: at("2023-12-30T10:00"), UnshelvingTime: at("2024-01-06T08:00")},
	{ID: "3", PackageNumber: "PKG102", Location: "B-02", PackageStatus: parcel.StatusPendingRemoval,
		ShelvingTime: at("2024-01-03T10:00"), CustomerService: instr(parcel.InstructionReturnToCustomer), InstructionTime: at("2024-01-04T09:00")},
	{ID: "2", PackageNumber: "pkg101", Location: "A-01", PackageStatus: parcel.StatusPendingRemoval,
		ShelvingTime: at("2024-01-02T10:00"), CustomerService: instr(parcel.InstructionReDispatch), InstructionTime: at("2024-01-05T23:59")},
	{ID: "1", PackageNumber: "PKG100", Location: "A-01", PackageStatus: parcel.StatusInWarehouse,
		ShelvingTime: at("2024-01-05T23:59")},
}

func TestDateRangeEndIsInclusive(t *testing.T) {
	f := Filter{TimeField: FieldShelving, Start: parseDay(t, "2024-01-01"), End: parseDay(t, "2024-01-05")}
	assert.Equal(t, []string{"PKG102", "pkg101", "PKG100"}, numbers(Project(sample, f)))

	f.End = parseDay(t, "2024-01-04")
	assert.Equal(t, []string{"PKG102", "pkg101"}, numbers(Project(sample, f)))
}

func TestDateRangeNeedsBothEnds(t *testing.T) {
	f := Filter{TimeField: FieldShelving, Start: parseDay(t, "2024-01-05")}
	assert.Len(t, Project(sample, f), len(sample))
}

func TestDateRangeExcludesMissingTimestamp(t *testing.T) {
	f := Filter{TimeField: FieldInstruction, Start: parseDay(t, "2024-01-01"), End: parseDay(t, "2024-01-05")}
	assert.Equal(t, []string{"PKG102", "pkg101"}, numbers(Project(sample, f)))
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, []string{"pkg101"}, numbers(Project(sample, Filter{Search: "PKG101"})))
	assert.Equal(t, []string{"pkg101", "PKG100"}, numbers(Project(sample, Filter{Search: " a-01 "})))
	assert.Empty(t, Project(sample, Filter{Search: "zzz"}))
}

func TestTabs(t *testing.T) {
	assert.Equal(t, []string{"PKG102", "pkg101"}, numbers(Project(sample, Filter{Tab: string(parcel.StatusPendingRemoval)})))
	assert.Equal(t, []string{"pkg101"}, numbers(Project(sample, Filter{Tab: string(parcel.InstructionReDispatch)})))
	assert.Len(t, Project(sample, Filter{Tab: TabAll}), 4)
	assert.Equal(t, []string{"PKG100"}, numbers(Project(sample, Filter{Tab: string(parcel.StatusInWarehouse), Location: "A-01"})))

	assert.True(t, ValidTab("return-to-customer"))
	assert.False(t, ValidTab("lost"))
}

func TestProjectDoesNotMutateInput(t *testing.T) {
	before := numbers(sample)
	_ = Project(sample, Filter{Tab: string(parcel.StatusRemoved)})
	assert.Equal(t, before, numbers(sample))
}

func TestTabCounts(t *testing.T) {
	got := map[string]int{}
	for _, tc := range TabCounts(sample) {
		got[tc.Tab] = tc.Count
	}
	assert.Equal(t, map[string]int{
		"all":                   4,
		"in-warehouse":          1,
		"pending-removal":       2,
		"removed":               1,
		"re-dispatch":           1,
		"re-dispatch-new-label": 0,
		"return-to-customer":    1,
	}, got)
	assert.Equal(t, TabAll, TabCounts(nil)[0].Tab)
}

func TestGroupByLocation(t *testing.T) {
	groups := GroupByLocation(sample)
	require.Len(t, groups, 3)
	assert.Equal(t, UnknownLocation, groups[0].Location)
	assert.Equal(t, "B-02", groups[1].Location)
	assert.Equal(t, "A-01", groups[2].Location)
	assert.Equal(t, []string{"pkg101", "PKG100"}, numbers(groups[2].Packages))
}

func TestWorklist(t *testing.T) {
	groups := Worklist(sample)
	require.Len(t, groups, 2)
	assert.Equal(t, "A-01", groups[0].Location)
	assert.Equal(t, []string{"pkg101"}, numbers(groups[0].Packages))
	assert.Equal(t, "B-02", groups[1].Location)
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("", nil)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = ParseDay("01/05/2024", nil)
	assert.Error(t, err)
}
