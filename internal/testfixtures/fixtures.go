package testfixtures

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/schema"
	"github.com/example/recurring-scheduler/internal/template"
)

var (
	groupCounter  uint64
	seriesCounter uint64
)

// MeetingsType is the entity type used by fixtures: meetings require a title
// and a room, and conflict per room.
func MeetingsType() schema.EntityType {
	return schema.EntityType{
		Table:          "meetings",
		RequiredFields: []string{"title", "room_id", "slot"},
		ConflictField:  "room_id",
	}
}

// NotesType is an entity type without overlap detection.
func NotesType() schema.EntityType {
	return schema.EntityType{
		Table:          "notes",
		RequiredFields: []string{"body"},
		AllowOverlap:   true,
	}
}

// Registry returns a registry holding MeetingsType and NotesType.
func Registry() *schema.StaticRegistry {
	return schema.NewStaticRegistry(MeetingsType(), NotesType())
}

// MustTemplate builds a template or panics.
func MustTemplate(values map[string]any) template.Template {
	tmpl, err := template.New(values)
	if err != nil {
		panic(fmt.Sprintf("testfixtures: template: %v", err))
	}
	return tmpl
}

// MustPatch builds a patch or panics.
func MustPatch(values map[string]any) template.Patch {
	patch, err := template.NewPatch(values)
	if err != nil {
		panic(fmt.Sprintf("testfixtures: patch: %v", err))
	}
	return patch
}

// ----------------------------- Group fixtures -----------------------------

// GroupFixture represents a deterministic series group.
type GroupFixture struct {
	ID          string
	Name        string
	Description string
	Color       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GroupOption configures the generated group fixture.
type GroupOption func(*GroupFixture)

// NewGroupFixture returns a deterministic group fixture with optional overrides.
func NewGroupFixture(opts ...GroupOption) GroupFixture {
	idx := atomic.AddUint64(&groupCounter, 1)
	fixture := GroupFixture{
		ID:        fmt.Sprintf("group-%d", idx),
		Name:      fmt.Sprintf("Group %d", idx),
		Color:     "#2f80ed",
		CreatedAt: referenceTime,
		UpdatedAt: referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithGroupID overrides the group identifier.
func WithGroupID(id string) GroupOption {
	return func(f *GroupFixture) {
		f.ID = id
	}
}

// WithGroupName overrides the group name.
func WithGroupName(name string) GroupOption {
	return func(f *GroupFixture) {
		f.Name = name
	}
}

// Persistence converts the fixture into a persistence record.
func (f GroupFixture) Persistence() persistence.SeriesGroup {
	return persistence.SeriesGroup{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Color:       f.Color,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

// ----------------------------- Series fixtures -----------------------------

// SeriesFixture represents a deterministic series: weekly Monday meetings
// at 09:00 UTC for four weeks in room A.
type SeriesFixture struct {
	ID            string
	GroupID       string
	EntityTable   string
	Template      map[string]any
	RRule         string
	DTStart       time.Time
	Duration      time.Duration
	Timezone      string
	TimeSlotField string
	SkipConflicts bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SeriesOption configures the generated series fixture.
type SeriesOption func(*SeriesFixture)

// NewSeriesFixture returns a deterministic series fixture with optional overrides.
func NewSeriesFixture(opts ...SeriesOption) SeriesFixture {
	idx := atomic.AddUint64(&seriesCounter, 1)
	fixture := SeriesFixture{
		ID:            fmt.Sprintf("series-%d", idx),
		EntityTable:   "meetings",
		Template:      map[string]any{"title": "Weekly sync", "room_id": "room-a"},
		RRule:         "FREQ=WEEKLY;BYDAY=MO;COUNT=4",
		DTStart:       time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
		Duration:      time.Hour,
		Timezone:      "UTC",
		TimeSlotField: "slot",
		CreatedAt:     referenceTime,
		UpdatedAt:     referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSeriesID overrides the series identifier.
func WithSeriesID(id string) SeriesOption {
	return func(f *SeriesFixture) {
		f.ID = id
	}
}

// WithSeriesGroup sets the owning group.
func WithSeriesGroup(groupID string) SeriesOption {
	return func(f *SeriesFixture) {
		f.GroupID = groupID
	}
}

// WithSeriesRule overrides the recurrence rule.
func WithSeriesRule(rule string) SeriesOption {
	return func(f *SeriesFixture) {
		f.RRule = rule
	}
}

// WithSeriesStart overrides the anchor and timezone.
func WithSeriesStart(start time.Time, timezone string) SeriesOption {
	return func(f *SeriesFixture) {
		f.DTStart = start
		f.Timezone = timezone
	}
}

// WithSeriesTemplate overrides the template values.
func WithSeriesTemplate(values map[string]any) SeriesOption {
	return func(f *SeriesFixture) {
		f.Template = values
	}
}

// WithSeriesEntityTable overrides the target entity table.
func WithSeriesEntityTable(table string) SeriesOption {
	return func(f *SeriesFixture) {
		f.EntityTable = table
	}
}

// WithSkipConflicts sets the conflict policy.
func WithSkipConflicts(skip bool) SeriesOption {
	return func(f *SeriesFixture) {
		f.SkipConflicts = skip
	}
}

// Persistence converts the fixture into a persistence record.
func (f SeriesFixture) Persistence() persistence.Series {
	return persistence.Series{
		ID:            f.ID,
		GroupID:       f.GroupID,
		EntityTable:   f.EntityTable,
		Template:      MustTemplate(f.Template),
		RRule:         f.RRule,
		DTStart:       f.DTStart,
		Duration:      f.Duration,
		Timezone:      f.Timezone,
		TimeSlotField: f.TimeSlotField,
		SkipConflicts: f.SkipConflicts,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}

// SeedSeries stores a new group and the series built from opts, returning the series.
func SeedSeries(tb testing.TB, store persistence.Store, opts ...SeriesOption) persistence.Series {
	tb.Helper()
	ctx := context.Background()

	group := NewGroupFixture().Persistence()
	if err := store.Groups().CreateGroup(ctx, group); err != nil {
		tb.Fatalf("failed to seed group: %v", err)
	}
	series := NewSeriesFixture(append([]SeriesOption{WithSeriesGroup(group.ID)}, opts...)...).Persistence()
	if err := store.Series().CreateSeries(ctx, series); err != nil {
		tb.Fatalf("failed to seed series: %v", err)
	}
	return series
}

// SeedEntity stores a meeting occupying [start, start+d) in roomID.
func SeedEntity(tb testing.TB, store persistence.Store, id, roomID string, start time.Time, d time.Duration) persistence.Entity {
	tb.Helper()

	key := roomID
	entity := persistence.Entity{
		ID:          id,
		Table:       "meetings",
		Fields:      MustTemplate(map[string]any{"title": "Ad hoc", "room_id": roomID}),
		SlotStart:   start,
		SlotEnd:     start.Add(d),
		ConflictKey: &key,
		CreatedAt:   referenceTime,
		UpdatedAt:   referenceTime,
	}
	if err := store.Entities().CreateEntity(context.Background(), entity); err != nil {
		tb.Fatalf("failed to seed entity: %v", err)
	}
	return entity
}
