package allocation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/railfleet/shop-engine/allocation"
)

func TestMonth_ParseAndFormatRoundTrip(t *testing.T) {
	m, err := allocation.ParseMonth("2026-03")
	require.NoError(t, err)
	require.Equal(t, 2026, m.Year)
	require.Equal(t, time.March, m.Month)
	require.Equal(t, "2026-03", m.String())
	require.False(t, m.IsZero())

	_, err = allocation.ParseMonth("March 2026")
	require.Error(t, err)
	_, err = allocation.ParseMonth("2026-13")
	require.Error(t, err)

	require.True(t, allocation.Month{}.IsZero())
}

func TestMonth_NextCrossesYearBoundary(t *testing.T) {
	m := allocation.Month{Year: 2026, Month: time.December}
	next := m.Next()
	require.Equal(t, 2027, next.Year)
	require.Equal(t, time.January, next.Month)
	require.Equal(t, "2027-01", next.String())

	require.Equal(t, allocation.Month{Year: 2026, Month: time.April},
		allocation.Month{Year: 2026, Month: time.March}.Next())
}

func TestMonthOf_TruncatesToMonth(t *testing.T) {
	at := time.Date(2026, time.March, 17, 14, 30, 0, 0, time.UTC)
	require.Equal(t, allocation.Month{Year: 2026, Month: time.March}, allocation.MonthOf(at))
}

func TestCapacityLedger_RemainingFloorsAtZero(t *testing.T) {
	led := allocation.CapacityLedger{TotalCapacity: 10, ConfirmedCount: 4, PlannedCount: 3}
	require.Equal(t, 3, led.Remaining())

	// Override-driven overfill: remaining reports zero, never negative.
	led.ConfirmedCount = 12
	require.Equal(t, 0, led.Remaining())
}

func TestPage_NormalizeDefaults(t *testing.T) {
	p := allocation.Page{}.Normalize()
	require.Equal(t, 50, p.Limit)
	require.Equal(t, 0, p.Offset)

	p = allocation.Page{Limit: -5, Offset: -1}.Normalize()
	require.Equal(t, 50, p.Limit)
	require.Equal(t, 0, p.Offset)

	p = allocation.Page{Limit: 10, Offset: 20}.Normalize()
	require.Equal(t, 10, p.Limit)
	require.Equal(t, 20, p.Offset)
}
