package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMaxIncubationDays(t *testing.T) {
	calc := New(Config{})

	tests := []struct {
		name       string
		conditions []Condition
		want       int
	}{
		{"empty set falls back to default", nil, DefaultIncubationDays},
		{"single condition", []Condition{ConditionInfluenza}, 4},
		{"maximum wins", []Condition{ConditionInfluenza, ConditionMeasles, ConditionNorovirus}, 21},
		{"unknown condition counts as default", []Condition{Condition("unknown")}, DefaultIncubationDays},
		{"unknown never shrinks a known maximum", []Condition{ConditionMeasles, Condition("unknown")}, 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calc.MaxIncubationDays(tt.conditions))
		})
	}
}

func TestMaxIncubationDaysOverrides(t *testing.T) {
	calc := New(Config{
		Overrides:   map[Condition]int{ConditionInfluenza: 7},
		DefaultDays: 10,
	})

	assert.Equal(t, 7, calc.MaxIncubationDays([]Condition{ConditionInfluenza}))
	assert.Equal(t, 10, calc.MaxIncubationDays(nil))
}

func TestCalculate(t *testing.T) {
	calc := New(Config{})

	t.Run("21 day incubation", func(t *testing.T) {
		// Measles carries the built-in maximum of 21 days.
		w := calc.Calculate([]Condition{ConditionMeasles}, date("2025-06-30"), date("2025-06-30"))

		assert.Equal(t, date("2025-06-09"), w.Start)
		assert.Equal(t, date("2025-06-30"), w.End)
		assert.Equal(t, 22, w.Days)
	})

	t.Run("clamped to retention horizon", func(t *testing.T) {
		calc := New(Config{Overrides: map[Condition]int{Condition("chronic"): 400}})

		w := calc.Calculate([]Condition{Condition("chronic")}, date("2025-06-30"), date("2025-06-30"))

		assert.Equal(t, date("2025-01-01"), w.Start)
		assert.Equal(t, date("2025-06-30"), w.End)
		assert.Equal(t, 181, w.Days)
	})

	t.Run("empty condition set uses default", func(t *testing.T) {
		w := calc.Calculate(nil, date("2025-06-30"), date("2025-06-30"))

		assert.Equal(t, date("2025-06-16"), w.Start)
		assert.Equal(t, 15, w.Days)
	})

	t.Run("normalizes clock time and zone", func(t *testing.T) {
		loc, err := time.LoadLocation("UTC")
		require.NoError(t, err)
		testDate := time.Date(2025, 6, 30, 17, 45, 12, 0, loc)

		w := calc.Calculate([]Condition{ConditionMeasles}, testDate, testDate)

		assert.Equal(t, date("2025-06-09"), w.Start)
		assert.Equal(t, 22, w.Days)
	})
}

func TestValidateTestDate(t *testing.T) {
	calc := New(Config{})
	today := date("2025-06-30")

	tests := []struct {
		name    string
		date    time.Time
		wantErr error
	}{
		{"today is valid", today, nil},
		{"yesterday is valid", today.AddDate(0, 0, -1), nil},
		{"tomorrow is future", today.AddDate(0, 0, 1), ErrFutureDate},
		{"retention boundary is valid", today.AddDate(0, 0, -180), nil},
		{"one day beyond retention", today.AddDate(0, 0, -181), ErrBeyondRetention},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := calc.ValidateTestDate(tt.date, today)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("measles")
	require.NoError(t, err)
	assert.Equal(t, ConditionMeasles, c)

	_, err = ParseCondition("ebola")
	assert.Error(t, err)
}

func TestWindowString(t *testing.T) {
	w := Window{Start: date("2025-06-09"), End: date("2025-06-30"), Days: 22}
	assert.Equal(t, "2025-06-09 to 2025-06-30 (22 days)", w.String())
}
