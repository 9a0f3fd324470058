package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultMaxOccurrences bounds the number of new occurrences a single pass emits.
const DefaultMaxOccurrences = 5000

// ErrInvalidWindow indicates an unterminated rule was expanded without a horizon.
var ErrInvalidWindow = errors.New("recurrence: unterminated rule requires a horizon")

// ErrInvalidDuration indicates the occurrence duration is invalid.
var ErrInvalidDuration = errors.New("recurrence: occurrence duration must be positive")

// Request describes one expansion pass over a series.
type Request struct {
	Rule Rule
	// Anchor is the first occurrence start; its wall clock in Location is
	// repeated by every occurrence.
	Anchor   time.Time
	Duration time.Duration
	Location *time.Location
	// Horizon bounds unterminated rules. Occurrences starting after it are not emitted.
	Horizon time.Time
	// Existing holds dates already materialized (or tombstoned) for the series.
	Existing DateSet
	// ClosedFrom, when set, suppresses every date on or after it.
	ClosedFrom *Date
}

// Occurrence is one generated window.
type Occurrence struct {
	Date  Date
	Start time.Time
	End   time.Time
}

// Result is the outcome of an expansion pass.
type Result struct {
	Occurrences []Occurrence
	// Truncated is set when the pass stopped at the engine's occurrence cap.
	Truncated bool
}

// Engine expands recurrence rules into occurrences.
type Engine struct {
	location       *time.Location
	maxOccurrences int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMaxOccurrences overrides the per-pass occurrence cap.
func WithMaxOccurrences(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxOccurrences = n
		}
	}
}

// NewEngine constructs an Engine using loc for requests that carry no location.
// If loc is nil, UTC is used.
func NewEngine(loc *time.Location, opts ...Option) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{location: loc, maxOccurrences: DefaultMaxOccurrences}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand produces the ordered occurrences of req that are not yet materialized.
//
// Arithmetic happens on wall-clock time in the request location, so an
// occurrence at 14:00 stays at 14:00 across daylight-saving transitions.
// Terminated rules run to their COUNT or UNTIL; unterminated rules stop at
// the horizon. Either way a pass emits at most the engine's cap.
func (e *Engine) Expand(req Request) (Result, error) {
	if err := req.Rule.Validate(); err != nil {
		return Result{}, err
	}
	if req.Duration <= 0 {
		return Result{}, ErrInvalidDuration
	}
	terminated := req.Rule.Terminated()
	if !terminated && req.Horizon.IsZero() {
		return Result{}, ErrInvalidWindow
	}

	loc := req.Location
	if loc == nil {
		loc = e.location
	}

	rr, err := rrule.NewRRule(toROption(req.Rule, req.Anchor.In(loc), loc))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var result Result
	next := rr.Iterator()
	for {
		start, ok := next()
		if !ok {
			break
		}
		if !terminated && start.After(req.Horizon) {
			break
		}
		date := DateOf(start)
		if req.ClosedFrom != nil && !date.Before(*req.ClosedFrom) {
			break
		}
		if req.Existing.Contains(date) {
			continue
		}
		if len(result.Occurrences) >= e.maxOccurrences {
			result.Truncated = true
			break
		}
		result.Occurrences = append(result.Occurrences, Occurrence{
			Date:  date,
			Start: start,
			End:   start.Add(req.Duration),
		})
	}
	return result, nil
}

var rruleFrequencies = map[Frequency]rrule.Frequency{
	FrequencyDaily:   rrule.DAILY,
	FrequencyWeekly:  rrule.WEEKLY,
	FrequencyMonthly: rrule.MONTHLY,
	FrequencyYearly:  rrule.YEARLY,
}

var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

func toROption(rule Rule, dtstart time.Time, loc *time.Location) rrule.ROption {
	opt := rrule.ROption{
		Freq:       rruleFrequencies[rule.Frequency],
		Dtstart:    dtstart,
		Interval:   rule.Interval,
		Count:      rule.Count,
		Bymonthday: rule.ByMonthDay,
		Bysetpos:   rule.BySetPos,
	}
	if opt.Interval == 0 {
		opt.Interval = 1
	}
	if rule.Until != nil {
		opt.Until = rule.Until.In(loc)
	}
	for _, d := range rule.ByDay {
		wd := rruleWeekdays[d.Weekday]
		if d.N != 0 {
			wd = wd.Nth(d.N)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt
}
