package spine

import (
	"testing"
	"time"
)

func TestDrilldownKey_AllComponentsPresent(t *testing.T) {
	key := DrilldownKey(CauseAccess, "Zone A", "P6")
	if key != "Access|Zone A|P6" {
		t.Errorf("Expected 'Access|Zone A|P6', got '%s'", key)
	}
}

func TestDrilldownKey_MissingComponentsUseSentinels(t *testing.T) {
	key := DrilldownKey(CauseMaterials, "", "")
	if key != "Materials|no_location|no_reference" {
		t.Errorf("Expected 'Materials|no_location|no_reference', got '%s'", key)
	}
}

func TestDrilldownKey_Deterministic(t *testing.T) {
	a := DrilldownKey(CauseWeather, "North site", "MSP")
	b := DrilldownKey(CauseWeather, "North site", "MSP")
	if a != b {
		t.Errorf("Expected identical inputs to produce identical keys, got '%s' and '%s'", a, b)
	}
}

func TestAggregateDrilldown_CountsAndLatest(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := DrilldownKey(CauseAccess, "Zone A", "P6")
	signals := []*LearningSignal{
		{ID: "s1", DrilldownKey: key, CreatedAt: base},
		{ID: "s2", DrilldownKey: key, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "s3", DrilldownKey: key, CreatedAt: base.Add(time.Hour)},
	}

	groups := AggregateDrilldown(signals)
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %d", len(groups))
	}
	if groups[0].Count != 3 {
		t.Errorf("Expected count 3, got %d", groups[0].Count)
	}
	if !groups[0].LatestOccurrence.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Expected latest occurrence %v, got %v", base.Add(2*time.Hour), groups[0].LatestOccurrence)
	}
	if groups[0].PrimaryCause != "Access" || groups[0].Location != "Zone A" || groups[0].ReferenceSystem != "P6" {
		t.Errorf("Unexpected key components: %+v", groups[0])
	}
}

func TestAggregateDrilldown_OrderedByCountThenKey(t *testing.T) {
	now := time.Now()
	signals := []*LearningSignal{
		{ID: "s1", DrilldownKey: "Weather|no_location|no_reference", CreatedAt: now},
		{ID: "s2", DrilldownKey: "Access|Zone A|P6", CreatedAt: now},
		{ID: "s3", DrilldownKey: "Access|Zone A|P6", CreatedAt: now},
		{ID: "s4", DrilldownKey: "Materials|no_location|no_reference", CreatedAt: now},
	}

	groups := AggregateDrilldown(signals)
	if len(groups) != 3 {
		t.Fatalf("Expected 3 groups, got %d", len(groups))
	}
	if groups[0].Key != "Access|Zone A|P6" {
		t.Errorf("Expected highest-count group first, got '%s'", groups[0].Key)
	}
	// Ties broken by ascending key.
	if groups[1].Key != "Materials|no_location|no_reference" || groups[2].Key != "Weather|no_location|no_reference" {
		t.Errorf("Expected tied groups ordered by key, got '%s' then '%s'", groups[1].Key, groups[2].Key)
	}
}

func TestAggregateDrilldown_Empty(t *testing.T) {
	groups := AggregateDrilldown(nil)
	if len(groups) != 0 {
		t.Errorf("Expected no groups for no signals, got %d", len(groups))
	}
}
