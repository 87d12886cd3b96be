// Package window computes exposure windows for infection reports.
//
// Given the set of conditions a report covers and the disclosed test date,
// the calculator derives the earliest day an exposure could have occurred,
// clamped to the local retention horizon. The result is a derived value and
// is never persisted.
package window

import (
	"errors"
	"fmt"
	"time"
)

// Condition identifies a reportable condition with a known incubation period.
type Condition string

// Known conditions.
const (
	ConditionCOVID19   Condition = "covid19"
	ConditionInfluenza Condition = "influenza"
	ConditionMeasles   Condition = "measles"
	ConditionNorovirus Condition = "norovirus"
)

// DefaultIncubationDays is used when a report names no conditions, or names
// a condition with no configured incubation period.
const DefaultIncubationDays = 14

// RetentionDays is the maximum age of locally stored interaction data.
// A window never extends further back than this horizon.
const RetentionDays = 180

// Validation errors for disclosed test dates.
var (
	ErrFutureDate      = errors.New("window: test date is in the future")
	ErrBeyondRetention = errors.New("window: test date is before the retention horizon")
)

// builtinIncubation maps each known condition to the maximum number of days
// between exposure and detectability by testing.
var builtinIncubation = map[Condition]int{
	ConditionCOVID19:   14,
	ConditionInfluenza: 4,
	ConditionMeasles:   21,
	ConditionNorovirus: 2,
}

// Window is the date range an exposure report covers. Start and End are
// inclusive, normalized to UTC midnight.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

func (w Window) String() string {
	return fmt.Sprintf("%s to %s (%d days)",
		w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"), w.Days)
}

// Config adjusts the incubation table. Zero values fall back to the
// built-in table and DefaultIncubationDays.
type Config struct {
	// Overrides replaces or extends the built-in incubation table.
	Overrides map[Condition]int

	// DefaultDays replaces DefaultIncubationDays for unknown conditions
	// and empty condition sets.
	DefaultDays int
}

// Calculator performs exposure window arithmetic. It holds only the
// incubation table; all methods are pure.
type Calculator struct {
	incubation  map[Condition]int
	defaultDays int
}

// New creates a calculator from cfg.
func New(cfg Config) *Calculator {
	table := make(map[Condition]int, len(builtinIncubation)+len(cfg.Overrides))
	for c, d := range builtinIncubation {
		table[c] = d
	}
	for c, d := range cfg.Overrides {
		if d > 0 {
			table[c] = d
		}
	}

	defaultDays := cfg.DefaultDays
	if defaultDays <= 0 {
		defaultDays = DefaultIncubationDays
	}

	return &Calculator{incubation: table, defaultDays: defaultDays}
}

// MaxIncubationDays returns the largest incubation period among the given
// conditions. Conditions without a configured period count as the default,
// and an empty set yields the default outright.
func (c *Calculator) MaxIncubationDays(conditions []Condition) int {
	if len(conditions) == 0 {
		return c.defaultDays
	}

	max := 0
	for _, cond := range conditions {
		days, ok := c.incubation[cond]
		if !ok {
			days = c.defaultDays
		}
		if days > max {
			max = days
		}
	}
	return max
}

// Calculate derives the exposure window for the given conditions and test
// date. The window starts at testDate minus the maximum incubation period,
// clamped to today minus RetentionDays, and ends at testDate. Both endpoints
// are inclusive.
//
// Callers must run ValidateTestDate first; Calculate assumes testDate has
// already passed validation.
func (c *Calculator) Calculate(conditions []Condition, testDate, today time.Time) Window {
	testDate = day(testDate)
	today = day(today)

	rawStart := testDate.AddDate(0, 0, -c.MaxIncubationDays(conditions))
	retentionLimit := today.AddDate(0, 0, -RetentionDays)

	start := rawStart
	if retentionLimit.After(rawStart) {
		start = retentionLimit
	}

	days := int(testDate.Sub(start).Hours()/24) + 1

	return Window{Start: start, End: testDate, Days: days}
}

// ValidateTestDate checks a disclosed test date against today. A date
// strictly after today fails with ErrFutureDate; a date strictly before
// today minus RetentionDays fails with ErrBeyondRetention. Both boundaries
// are themselves valid.
func (c *Calculator) ValidateTestDate(date, today time.Time) error {
	date = day(date)
	today = day(today)

	if date.After(today) {
		return ErrFutureDate
	}
	if date.Before(today.AddDate(0, 0, -RetentionDays)) {
		return ErrBeyondRetention
	}
	return nil
}

// ParseCondition normalizes a user-supplied condition name.
func ParseCondition(s string) (Condition, error) {
	c := Condition(s)
	if _, ok := builtinIncubation[c]; !ok {
		return "", fmt.Errorf("window: unknown condition %q", s)
	}
	return c, nil
}

// day truncates t to UTC midnight so that window arithmetic is exact
// multiples of 24h regardless of the input zone or clock time.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
