package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Frequency represents supported recurrence intervals.
type Frequency int

const (
	// FrequencyUnspecified indicates the rule frequency is not set.
	FrequencyUnspecified Frequency = iota
	// FrequencyDaily repeats every INTERVAL days.
	FrequencyDaily
	// FrequencyWeekly repeats on the selected weekdays every INTERVAL weeks.
	FrequencyWeekly
	// FrequencyMonthly repeats on a day-of-month or an Nth weekday every INTERVAL months.
	FrequencyMonthly
	// FrequencyYearly repeats on the anchor's month and day every INTERVAL years.
	FrequencyYearly
)

var frequencyNames = map[Frequency]string{
	FrequencyDaily:   "DAILY",
	FrequencyWeekly:  "WEEKLY",
	FrequencyMonthly: "MONTHLY",
	FrequencyYearly:  "YEARLY",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "UNSPECIFIED"
}

var weekdayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// WeekdayNum is one BYDAY entry. N is the ordinal within the month (1..5, -1)
// or zero for "every such weekday".
type WeekdayNum struct {
	Weekday time.Weekday
	N       int
}

func (w WeekdayNum) String() string {
	if w.N == 0 {
		return weekdayCodes[w.Weekday]
	}
	return strconv.Itoa(w.N) + weekdayCodes[w.Weekday]
}

// UntilForm records how an UNTIL value was written.
type UntilForm int

const (
	// UntilDate is a bare date; the whole local day is included.
	UntilDate UntilForm = iota
	// UntilUTC is an absolute instant (trailing Z).
	UntilUTC
	// UntilLocal is a wall-clock date-time in the series time zone.
	UntilLocal
)

// Until is the inclusive end of a rule.
type Until struct {
	// Time holds the parsed value. For UntilDate and UntilLocal only the
	// wall-clock fields are meaningful.
	Time time.Time
	Form UntilForm
}

// In resolves the bound to an instant in loc.
func (u Until) In(loc *time.Location) time.Time {
	t := u.Time
	switch u.Form {
	case UntilUTC:
		return t
	case UntilLocal:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
	}
}

func (u Until) String() string {
	switch u.Form {
	case UntilUTC:
		return u.Time.UTC().Format("20060102T150405Z")
	case UntilLocal:
		return u.Time.Format("20060102T150405")
	default:
		return u.Time.Format("20060102")
	}
}

// Rule is a parsed recurrence rule restricted to
// FREQ/INTERVAL/BYDAY/BYMONTHDAY/BYSETPOS/COUNT/UNTIL.
type Rule struct {
	Frequency  Frequency
	Interval   int
	ByDay      []WeekdayNum
	ByMonthDay []int
	BySetPos   []int
	Count      int
	Until      *Until
}

// ErrInvalidRule is the sentinel wrapped by every rule grammar error.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// RuleError describes why a rule was rejected.
type RuleError struct {
	Part   string
	Reason string
}

func (e *RuleError) Error() string {
	if e.Part == "" {
		return fmt.Sprintf("recurrence: invalid rule: %s", e.Reason)
	}
	return fmt.Sprintf("recurrence: invalid rule: %s: %s", e.Part, e.Reason)
}

func (e *RuleError) Unwrap() error { return ErrInvalidRule }

func ruleErr(part, format string, args ...any) error {
	return &RuleError{Part: part, Reason: fmt.Sprintf(format, args...)}
}

// ParseRule parses and validates an RRULE value. A leading "RRULE:" is accepted.
func ParseRule(raw string) (Rule, error) {
	value := strings.TrimSpace(raw)
	if len(value) >= 6 && strings.EqualFold(value[:6], "RRULE:") {
		value = value[6:]
	}
	if value == "" {
		return Rule{}, ruleErr("", "empty rule")
	}

	var rule Rule
	seen := make(map[string]bool)
	for _, part := range strings.Split(value, ";") {
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok || val == "" {
			return Rule{}, ruleErr(part, "expected KEY=VALUE")
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.ToUpper(strings.TrimSpace(val))
		if seen[key] {
			return Rule{}, ruleErr(key, "specified more than once")
		}
		seen[key] = true

		var err error
		switch key {
		case "FREQ":
			rule.Frequency, err = parseFrequency(val)
		case "INTERVAL":
			rule.Interval, err = parsePositive(key, val)
		case "COUNT":
			rule.Count, err = parsePositive(key, val)
		case "UNTIL":
			var until Until
			until, err = parseUntil(val)
			rule.Until = &until
		case "BYDAY":
			rule.ByDay, err = parseByDay(val)
		case "BYMONTHDAY":
			rule.ByMonthDay, err = parseIntList(key, val, func(n int) bool { return n != 0 && n >= -31 && n <= 31 })
		case "BYSETPOS":
			rule.BySetPos, err = parseIntList(key, val, validOrdinal)
		default:
			err = ruleErr(key, "unsupported rule part")
		}
		if err != nil {
			return Rule{}, err
		}
	}

	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Validate checks the combination of rule parts.
func (r Rule) Validate() error {
	if _, ok := frequencyNames[r.Frequency]; !ok {
		return ruleErr("FREQ", "required (DAILY, WEEKLY, MONTHLY or YEARLY)")
	}
	if r.Interval < 0 {
		return ruleErr("INTERVAL", "must be positive")
	}
	if r.Count < 0 {
		return ruleErr("COUNT", "must be positive")
	}
	if r.Count > 0 && r.Until != nil {
		return ruleErr("COUNT", "cannot be combined with UNTIL")
	}

	hasOrdinal := false
	for _, d := range r.ByDay {
		if d.N != 0 {
			hasOrdinal = true
		}
	}

	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly:
		if hasOrdinal {
			return ruleErr("BYDAY", "ordinal weekdays require FREQ=MONTHLY")
		}
		if len(r.ByMonthDay) > 0 {
			return ruleErr("BYMONTHDAY", "requires FREQ=MONTHLY")
		}
		if len(r.BySetPos) > 0 {
			return ruleErr("BYSETPOS", "requires FREQ=MONTHLY")
		}
	case FrequencyMonthly:
		if len(r.ByMonthDay) > 0 && len(r.ByDay) > 0 {
			return ruleErr("BYMONTHDAY", "cannot be combined with BYDAY")
		}
		if len(r.BySetPos) > 0 {
			if len(r.ByDay) == 0 {
				return ruleErr("BYSETPOS", "requires BYDAY")
			}
			if hasOrdinal {
				return ruleErr("BYSETPOS", "cannot be combined with ordinal BYDAY")
			}
		}
		if len(r.ByDay) > 0 && len(r.BySetPos) == 0 {
			for _, d := range r.ByDay {
				if d.N == 0 {
					return ruleErr("BYDAY", "monthly weekdays need an ordinal or BYSETPOS")
				}
			}
		}
	case FrequencyYearly:
		if len(r.ByDay) > 0 || len(r.ByMonthDay) > 0 || len(r.BySetPos) > 0 {
			return ruleErr("FREQ", "YEARLY rules repeat on the anchor date only")
		}
	}
	return nil
}

// Terminated reports whether the rule ends by COUNT or UNTIL.
func (r Rule) Terminated() bool {
	return r.Count > 0 || r.Until != nil
}

// String renders the rule in canonical order.
func (r Rule) String() string {
	parts := []string{"FREQ=" + r.Frequency.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.BySetPos) > 0 {
		parts = append(parts, "BYSETPOS="+joinInts(r.BySetPos))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.String())
	}
	return strings.Join(parts, ";")
}

func parseFrequency(val string) (Frequency, error) {
	for freq, name := range frequencyNames {
		if name == val {
			return freq, nil
		}
	}
	return FrequencyUnspecified, ruleErr("FREQ", "unsupported frequency %q", val)
}

func parsePositive(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, ruleErr(key, "must be a positive integer, got %q", val)
	}
	return n, nil
}

func parseUntil(val string) (Until, error) {
	layouts := []struct {
		layout string
		form   UntilForm
	}{
		{"20060102T150405Z", UntilUTC},
		{"20060102T150405", UntilLocal},
		{"20060102", UntilDate},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, val); err == nil {
			return Until{Time: t, Form: l.form}, nil
		}
	}
	return Until{}, ruleErr("UNTIL", "expected YYYYMMDD or YYYYMMDDTHHMMSS[Z], got %q", val)
}

func parseByDay(val string) ([]WeekdayNum, error) {
	items := strings.Split(val, ",")
	out := make([]WeekdayNum, 0, len(items))
	seen := make(map[WeekdayNum]bool)
	for _, item := range items {
		item = strings.TrimSpace(item)
		if len(item) < 2 {
			return nil, ruleErr("BYDAY", "invalid weekday %q", item)
		}
		code := item[len(item)-2:]
		day := -1
		for i, c := range weekdayCodes {
			if c == code {
				day = i
			}
		}
		if day < 0 {
			return nil, ruleErr("BYDAY", "invalid weekday %q", item)
		}
		n := 0
		if prefix := item[:len(item)-2]; prefix != "" {
			parsed, err := strconv.Atoi(prefix)
			if err != nil || !validOrdinal(parsed) {
				return nil, ruleErr("BYDAY", "ordinal must be 1..5 or -1, got %q", item)
			}
			n = parsed
		}
		wd := WeekdayNum{Weekday: time.Weekday(day), N: n}
		if seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, wd)
	}
	return out, nil
}

func parseIntList(key, val string, valid func(int) bool) ([]int, error) {
	items := strings.Split(val, ",")
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil || !valid(n) {
			return nil, ruleErr(key, "invalid value %q", item)
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func validOrdinal(n int) bool {
	return n == -1 || (n >= 1 && n <= 5)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
