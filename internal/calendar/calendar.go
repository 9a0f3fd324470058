// Package calendar renders a group's materialized occurrences as iCalendar.
package calendar

import (
	"context"
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/example/recurring-scheduler/internal/persistence"
)

const productID = "-//recurring-scheduler//series export//EN"

// Fields names the entity fields used for VEVENT text properties. The first
// present string field in each list wins.
type Fields struct {
	Summary     []string
	Description []string
	Location    []string
}

// DefaultFields looks for common field names.
func DefaultFields() Fields {
	return Fields{
		Summary:     []string{"title", "name", "summary"},
		Description: []string{"description", "notes"},
		Location:    []string{"location", "room_id"},
	}
}

// Exporter builds calendars from stored instances.
type Exporter struct {
	repos  persistence.Repositories
	fields Fields
	now    func() time.Time
}

// NewExporter constructs an Exporter.
func NewExporter(repos persistence.Repositories, fields Fields, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{repos: repos, fields: fields, now: now}
}

// ExportGroup returns one VEVENT per non-cancelled instance of the group.
// It returns persistence.ErrNotFound when the group does not exist.
func (e *Exporter) ExportGroup(ctx context.Context, groupID string) (string, error) {
	group, err := e.repos.Groups().GetGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	instances, err := e.repos.Instances().ListInstances(ctx, persistence.InstanceFilter{GroupID: groupID})
	if err != nil {
		return "", fmt.Errorf("list instances of group %s: %w", groupID, err)
	}

	stamp := e.now().UTC()
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(group.Name)
	if group.Description != "" {
		cal.SetXWRCalDesc(group.Description)
	}

	for _, inst := range instances {
		entityID, ok := persistence.EntityIDOf(inst.State)
		if !ok {
			continue
		}
		entity, err := e.repos.Entities().GetEntity(ctx, inst.EntityTable, entityID)
		if err != nil {
			return "", fmt.Errorf("load entity %s: %w", entityID, err)
		}
		e.addEvent(cal, inst, entity, stamp)
	}
	return cal.Serialize(), nil
}

func (e *Exporter) addEvent(cal *ical.Calendar, inst persistence.Instance, entity persistence.Entity, stamp time.Time) {
	event := cal.AddEvent(inst.ID)
	event.SetDtStampTime(stamp)
	event.SetCreatedTime(entity.CreatedAt)
	event.SetModifiedAt(entity.UpdatedAt)
	event.SetStartAt(entity.SlotStart)
	event.SetEndAt(entity.SlotEnd)

	if summary := firstString(entity, e.fields.Summary); summary != "" {
		event.SetSummary(summary)
	} else {
		event.SetSummary(entity.Table)
	}
	if description := firstString(entity, e.fields.Description); description != "" {
		event.SetDescription(description)
	}
	if location := firstString(entity, e.fields.Location); location != "" {
		event.SetLocation(location)
	}
	if _, modified := inst.State.(persistence.Modified); modified {
		event.SetProperty(ical.ComponentPropertyCategories, "MODIFIED")
	}
	event.SetProperty(ical.ComponentProperty("X-SERIES-ID"), inst.SeriesID)
}

func firstString(entity persistence.Entity, names []string) string {
	for _, name := range names {
		if v, ok := entity.Fields.String(name); ok && v != "" {
			return v
		}
	}
	return ""
}
