package spine

import (
	"sort"
	"strings"
	"time"
)

// Sentinel tokens substituted into drilldown keys when a component is absent.
const (
	NoLocation  = "no_location"
	NoReference = "no_reference"
)

const drilldownDelimiter = "|"

// DrilldownKey derives the deterministic aggregation key for a learning
// signal: primary cause, location and reference system joined with a fixed
// delimiter, with sentinel tokens for absent components.
//
//	DrilldownKey(CauseMaterials, "", "") == "Materials|no_location|no_reference"
func DrilldownKey(primaryCause PrimaryCause, location, referenceSystem string) string {
	if location == "" {
		location = NoLocation
	}
	if referenceSystem == "" {
		referenceSystem = NoReference
	}
	return strings.Join([]string{string(primaryCause), location, referenceSystem}, drilldownDelimiter)
}

// DrilldownGroup is one aggregated bucket of learning signals sharing a key.
// Location and ReferenceSystem carry the raw key components, including the
// sentinel tokens.
type DrilldownGroup struct {
	Key              string    `json:"key"`
	PrimaryCause     string    `json:"primary_cause"`
	Location         string    `json:"location"`
	ReferenceSystem  string    `json:"reference_system"`
	Count            int       `json:"count"`
	LatestOccurrence time.Time `json:"latest_occurrence"`
}

// AggregateDrilldown groups learning signals by drilldown key, counting
// occurrences and taking the most recent creation time per group. Groups are
// ordered by descending count, ties broken by ascending key so the result is
// deterministic. Pure count/latest aggregation, nothing predictive.
func AggregateDrilldown(signals []*LearningSignal) []*DrilldownGroup {
	byKey := make(map[string]*DrilldownGroup)
	for _, s := range signals {
		g, ok := byKey[s.DrilldownKey]
		if !ok {
			cause, location, reference := splitDrilldownKey(s.DrilldownKey)
			g = &DrilldownGroup{
				Key:             s.DrilldownKey,
				PrimaryCause:    cause,
				Location:        location,
				ReferenceSystem: reference,
			}
			byKey[s.DrilldownKey] = g
		}
		g.Count++
		if s.CreatedAt.After(g.LatestOccurrence) {
			g.LatestOccurrence = s.CreatedAt
		}
	}

	groups := make([]*DrilldownGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Key < groups[j].Key
	})
	return groups
}

func splitDrilldownKey(key string) (cause, location, reference string) {
	parts := strings.SplitN(key, drilldownDelimiter, 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
