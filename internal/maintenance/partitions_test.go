package maintenance

import (
	"testing"
	"time"
)

func TestValidPartitionName_Valid(t *testing.T) {
	for _, name := range []string{"route_events_20250115", "session_events_20250115"} {
		if !validPartitionName.MatchString(name) {
			t.Errorf("expected %q to match validPartitionName regex", name)
		}
	}
}

func TestValidPartitionName_Invalid(t *testing.T) {
	invalid := []string{
		"route_events_abc",
		"other_table_20250115",
		"route_events_2025011",
		"peers_20250115",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to NOT match validPartitionName regex", name)
		}
	}
}

func TestValidPartitionName_InjectionAttempt(t *testing.T) {
	name := "route_events_20250115; DROP TABLE x"
	if validPartitionName.MatchString(name) {
		t.Errorf("expected %q to NOT match validPartitionName regex (SQL injection attempt)", name)
	}
}

func TestPartitionName_RoundTrip(t *testing.T) {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, table := range PartitionedTables {
		name := partitionName(table, day)
		got, ok := partitionDate(name, time.UTC)
		if !ok || !got.Equal(day) {
			t.Errorf("%s: expected %s, got %s (ok=%v)", name, day, got, ok)
		}
	}
}

func TestPartitionDate_InvalidDate(t *testing.T) {
	if _, ok := partitionDate("route_events_20251399", time.UTC); ok {
		t.Error("expected invalid calendar date to be rejected")
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 1, 31, 15, 30, 0, 0, time.UTC)
	got := retentionCutoff(now, 30, time.UTC)
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected cutoff %s, got %s", want, got)
	}
}

func TestRetentionCutoff_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Belgrade")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	// 23:30 UTC on Jan 31 is already Feb 1 in Belgrade.
	now := time.Date(2025, 1, 31, 23, 30, 0, 0, time.UTC)
	got := retentionCutoff(now, 1, loc)
	want := time.Date(2025, 1, 31, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("expected cutoff %s, got %s", want, got)
	}
}
