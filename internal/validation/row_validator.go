package validation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/tabular"
)

// Score bounds, inclusive.
const (
	MinSatisfactionScore = 1
	MaxSatisfactionScore = 5
)

var requiredFields = []string{
	tabular.FieldTargetIdentifier,
	tabular.FieldDurationMetric,
	tabular.FieldSatisfactionScore,
	tabular.FieldOccurredOn,
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"01-02-06",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Outcome is the result of validating one row: either Record is set, or Reason
// explains why the row at RowNumber was rejected.
type Outcome struct {
	RowNumber int
	Record    *domain.Record
	Reason    string
	Raw       map[string]string
}

// Valid reports whether the row produced a record.
func (o Outcome) Valid() bool { return o.Record != nil }

// Err returns the row level validation error of an invalid outcome.
func (o Outcome) Err() *domain.ValidationError {
	if o.Valid() {
		return nil
	}
	return &domain.ValidationError{RowNumber: o.RowNumber, Reason: o.Reason, Data: o.Raw}
}

// ValidateRow checks required fields, then the score range, then the date.
// It has no side effects.
func ValidateRow(row tabular.Row) Outcome {
	invalid := func(format string, args ...any) Outcome {
		return Outcome{RowNumber: row.Number, Reason: fmt.Sprintf(format, args...), Raw: row.Fields}
	}

	var missing []string
	for _, field := range requiredFields {
		if strings.TrimSpace(row.Fields[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return invalid("missing required fields: %s", strings.Join(missing, ", "))
	}

	rawScore := strings.TrimSpace(row.Fields[tabular.FieldSatisfactionScore])
	score, err := ParseScore(rawScore)
	if err != nil {
		return invalid("invalid CSAT value %q: %v", rawScore, err)
	}

	rawDate := strings.TrimSpace(row.Fields[tabular.FieldOccurredOn])
	occurredOn, err := ParseDate(rawDate)
	if err != nil {
		return invalid("invalid date %q: %v", rawDate, err)
	}

	record := &domain.Record{
		TargetIdentifier:  strings.TrimSpace(row.Fields[tabular.FieldTargetIdentifier]),
		DurationMetric:    strings.TrimSpace(row.Fields[tabular.FieldDurationMetric]),
		SatisfactionScore: score,
		OccurredOn:        occurredOn,
	}
	if comment := strings.TrimSpace(row.Fields[tabular.FieldComment]); comment != "" {
		record.Comment = &comment
	}
	return Outcome{RowNumber: row.Number, Record: record, Raw: row.Fields}
}

// ValidateRows yields exactly one outcome per row, in input order.
func ValidateRows(rows []tabular.Row) []Outcome {
	outcomes := make([]Outcome, len(rows))
	for i, row := range rows {
		outcomes[i] = ValidateRow(row)
	}
	return outcomes
}

// ParseScore parses a satisfaction score and enforces the inclusive range.
func ParseScore(raw string) (float64, error) {
	score, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("not a number")
	}
	if score < MinSatisfactionScore || score > MaxSatisfactionScore {
		return 0, fmt.Errorf("must be between %d and %d", MinSatisfactionScore, MaxSatisfactionScore)
	}
	return score, nil
}

// ParseDate accepts ISO dates and timestamps plus the layouts spreadsheets
// commonly render, returning the calendar date at UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return domain.TruncateToDate(ts), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}
