package scheduler

import (
	"sort"
	"time"
)

// Slot is a booked time range held by one entity row.
type Slot struct {
	EntityID string
	// ConflictKey scopes the slot. Slots conflict only within the same key;
	// nil means the slot never conflicts.
	ConflictKey *string
	Start       time.Time
	End         time.Time
}

// ConflictType describes the type of conflict detected between slots.
type ConflictType string

const (
	// ConflictTypeResource indicates a keyed resource (room, person) is double-booked.
	ConflictTypeResource ConflictType = "resource"
	// ConflictTypeTable indicates a table-wide exclusive slot is double-booked.
	ConflictTypeTable ConflictType = "table"
)

// Conflict details an overlapping slot relation that callers can present to users.
type Conflict struct {
	WithEntityID string
	Type         ConflictType
	ConflictKey  string
	Start        time.Time
	End          time.Time
}

// Overlaps reports whether the half-open ranges [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// DetectConflicts identifies conflicts for the candidate slot against existing ones.
// Results are ordered by start time. A slot never conflicts with itself.
func DetectConflicts(existing []Slot, candidate Slot) []Conflict {
	if candidate.ConflictKey == nil || !candidate.End.After(candidate.Start) {
		return nil
	}

	var conflicts []Conflict
	for _, slot := range existing {
		if slot.ConflictKey == nil || *slot.ConflictKey != *candidate.ConflictKey {
			continue
		}
		if slot.EntityID != "" && slot.EntityID == candidate.EntityID {
			continue
		}
		if !Overlaps(candidate.Start, candidate.End, slot.Start, slot.End) {
			continue
		}
		kind := ConflictTypeResource
		if *slot.ConflictKey == "" {
			kind = ConflictTypeTable
		}
		conflicts = append(conflicts, Conflict{
			WithEntityID: slot.EntityID,
			Type:         kind,
			ConflictKey:  *slot.ConflictKey,
			Start:        slot.Start,
			End:          slot.End,
		})
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Start.Before(conflicts[j].Start)
	})
	return conflicts
}
