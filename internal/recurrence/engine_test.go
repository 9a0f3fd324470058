package recurrence

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jst = time.FixedZone("JST", 9*60*60)

func mustRule(t *testing.T, raw string) Rule {
	t.Helper()
	rule, err := ParseRule(raw)
	require.NoError(t, err, raw)
	return rule
}

func dates(result Result) []string {
	out := make([]string, len(result.Occurrences))
	for i, occ := range result.Occurrences {
		out[i] = occ.Date.String()
	}
	return out
}

func TestEngine_Expand(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	anchor := time.Date(2024, time.March, 4, 14, 0, 0, 0, jst)

	t.Run("weekly on monday with count", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=4"),
			Anchor:   anchor,
			Duration: time.Hour,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-04", "2024-03-11", "2024-03-18", "2024-03-25"}, dates(result))
		for _, occ := range result.Occurrences {
			assert.Equal(t, time.Monday, occ.Start.Weekday())
			assert.Equal(t, 14, occ.Start.Hour())
			assert.Equal(t, time.Hour, occ.End.Sub(occ.Start))
		}
		assert.False(t, result.Truncated)
	})

	t.Run("skips dates already materialized", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=4"),
			Anchor:   anchor,
			Duration: time.Hour,
			Location: jst,
			Existing: NewDateSet(MustParseDate("2024-03-04"), MustParseDate("2024-03-18")),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-11", "2024-03-25"}, dates(result))
	})

	t.Run("weekly without byday uses the anchor weekday", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=WEEKLY;INTERVAL=2;COUNT=3"),
			Anchor:   time.Date(2024, time.March, 6, 10, 0, 0, 0, jst),
			Duration: 30 * time.Minute,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-06", "2024-03-20", "2024-04-03"}, dates(result))
	})

	t.Run("keeps wall clock across daylight saving", func(t *testing.T) {
		t.Parallel()
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=WEEKLY;BYDAY=TU;COUNT=3"),
			Anchor:   time.Date(2024, time.March, 5, 14, 0, 0, 0, ny),
			Duration: time.Hour,
			Location: ny,
		})
		require.NoError(t, err)
		require.Len(t, result.Occurrences, 3)
		for _, occ := range result.Occurrences {
			assert.Equal(t, 14, occ.Start.Hour(), occ.Date.String())
		}
		before := result.Occurrences[0].Start.UTC().Hour()
		after := result.Occurrences[1].Start.UTC().Hour()
		assert.Equal(t, before-1, after)
	})

	t.Run("monthly nth weekday", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=MONTHLY;BYDAY=TU;BYSETPOS=2;COUNT=3"),
			Anchor:   time.Date(2024, time.January, 9, 9, 0, 0, 0, jst),
			Duration: time.Hour,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-01-09", "2024-02-13", "2024-03-12"}, dates(result))
	})

	t.Run("monthly last weekday", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=MONTHLY;BYDAY=FR;BYSETPOS=-1;COUNT=2"),
			Anchor:   time.Date(2024, time.January, 26, 18, 0, 0, 0, jst),
			Duration: time.Hour,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-01-26", "2024-02-23"}, dates(result))
	})

	t.Run("monthly day of month", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=MONTHLY;BYMONTHDAY=15;COUNT=3"),
			Anchor:   time.Date(2024, time.January, 15, 9, 0, 0, 0, jst),
			Duration: time.Hour,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-01-15", "2024-02-15", "2024-03-15"}, dates(result))
	})

	t.Run("yearly", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=YEARLY;COUNT=2"),
			Anchor:   time.Date(2024, time.May, 1, 9, 0, 0, 0, jst),
			Duration: time.Hour,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-05-01", "2025-05-01"}, dates(result))
	})

	t.Run("until date is inclusive", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=DAILY;UNTIL=20240307"),
			Anchor:   anchor,
			Duration: time.Hour,
			Location: jst,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-04", "2024-03-05", "2024-03-06", "2024-03-07"}, dates(result))
	})

	t.Run("unterminated rule stops at the horizon", func(t *testing.T) {
		t.Parallel()
		result, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=DAILY;INTERVAL=2"),
			Anchor:   time.Date(2024, time.March, 1, 9, 0, 0, 0, jst),
			Duration: time.Hour,
			Location: jst,
			Horizon:  time.Date(2024, time.March, 10, 9, 0, 0, 0, jst),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-01", "2024-03-03", "2024-03-05", "2024-03-07", "2024-03-09"}, dates(result))
	})

	t.Run("unterminated rule without horizon is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=DAILY"),
			Anchor:   anchor,
			Duration: time.Hour,
		})
		assert.True(t, errors.Is(err, ErrInvalidWindow))
	})

	t.Run("closed series never emits dates on or after the boundary", func(t *testing.T) {
		t.Parallel()
		boundary := MustParseDate("2024-03-07")
		result, err := engine.Expand(Request{
			Rule:       mustRule(t, "FREQ=DAILY;COUNT=10"),
			Anchor:     anchor,
			Duration:   time.Hour,
			Location:   jst,
			ClosedFrom: &boundary,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-04", "2024-03-05", "2024-03-06"}, dates(result))
	})

	t.Run("rejects non-positive duration", func(t *testing.T) {
		t.Parallel()
		_, err := engine.Expand(Request{
			Rule:     mustRule(t, "FREQ=DAILY;COUNT=1"),
			Anchor:   anchor,
			Location: jst,
		})
		assert.True(t, errors.Is(err, ErrInvalidDuration))
	})
}

func TestEngine_DefaultLocationIsUTC(t *testing.T) {
	t.Parallel()

	// 23:30 UTC is already the next day in Tokyo.
	anchor := time.Date(2024, time.March, 4, 23, 30, 0, 0, time.UTC)
	result, err := NewEngine(nil).Expand(Request{Rule: mustRule(t, "FREQ=DAILY;COUNT=2"), Anchor: anchor, Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-04", "2024-03-05"}, dates(result))
	assert.Equal(t, 23, result.Occurrences[0].Start.Hour())
}

func TestEngine_ExpandTruncatesAtCap(t *testing.T) {
	t.Parallel()

	engine := NewEngine(jst, WithMaxOccurrences(3))
	anchor := time.Date(2024, time.March, 4, 14, 0, 0, 0, jst)
	rule := mustRule(t, "FREQ=DAILY;COUNT=10")

	first, err := engine.Expand(Request{Rule: rule, Anchor: anchor, Duration: time.Hour})
	require.NoError(t, err)
	assert.True(t, first.Truncated)
	assert.Equal(t, []string{"2024-03-04", "2024-03-05", "2024-03-06"}, dates(first))

	existing := NewDateSet()
	for _, occ := range first.Occurrences {
		existing[occ.Date] = struct{}{}
	}
	second, err := engine.Expand(Request{Rule: rule, Anchor: anchor, Duration: time.Hour, Existing: existing})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-07", "2024-03-08", "2024-03-09"}, dates(second))
}

func BenchmarkEngineExpand(b *testing.B) {
	engine := NewEngine(nil)
	rule, err := ParseRule("FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR")
	if err != nil {
		b.Fatalf("parse rule: %v", err)
	}
	anchor := time.Date(2024, 5, 6, 9, 0, 0, 0, jst)
	horizon := anchor.AddDate(0, 3, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		result, err := engine.Expand(Request{Rule: rule, Anchor: anchor, Duration: 90 * time.Minute, Horizon: horizon})
		if err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
		if len(result.Occurrences) == 0 {
			b.Fatal("expected occurrences to be generated")
		}
	}
}
