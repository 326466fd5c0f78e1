package records

import (
	"fmt"
	"time"
)

// CanonicalLayout is the string form datetime fields are rewritten to.
const CanonicalLayout = "2006-01-02 15:04:05"

// datetimeLayouts are the timestamp encodings Socrata emits for floating and
// fixed timestamps, most specific first.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	CanonicalLayout,
	"2006-01-02",
}

// ParseDatetime reports whether s is a datetime in one of the recognised
// layouts and returns its value.
func ParseDatetime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalize rewrites s to CanonicalLayout if it is a datetime, otherwise
// returns it unchanged.
func normalize(s string) string {
	if t, ok := ParseDatetime(s); ok {
		return t.Format(CanonicalLayout)
	}
	return s
}

// Transform maps raw records 1:1 to transformed records, preserving order.
// Every datetime-valued field is rewritten to CanonicalLayout; all other
// values pass through untouched. A non-empty date that is not a datetime
// fails the whole batch.
func Transform(raw []RawRecord) ([]Record, error) {
	out := make([]Record, len(raw))
	for i, r := range raw {
		rec := Record{
			State:                normalize(r.State),
			StateName:            normalize(r.StateName),
			StateFIPS:            normalize(r.StateFIPS),
			FEMARegion:           normalize(r.FEMARegion),
			OverallOutcome:       normalize(r.OverallOutcome),
			NewResultsReported:   r.NewResultsReported,
			TotalResultsReported: r.TotalResultsReported,
		}

		if r.Date != "" {
			t, ok := ParseDatetime(r.Date)
			if !ok {
				return nil, fmt.Errorf("%w: record %d: date %q", ErrMalformedRecord, i, r.Date)
			}
			rec.Date = t.Format(CanonicalLayout)
		}

		if len(r.Extra) > 0 {
			rec.Extra = make(map[string]string, len(r.Extra))
			for k, v := range r.Extra {
				rec.Extra[k] = normalize(v)
			}
		}
		out[i] = rec
	}
	return out, nil
}

// Time returns the record's date, or false when it has none.
func (r Record) Time() (time.Time, bool) {
	if r.Date == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(CanonicalLayout, r.Date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MaxDate returns the latest date among recs, or false if none carry one.
func MaxDate(recs []Record) (time.Time, bool) {
	var (
		max   time.Time
		found bool
	)
	for _, r := range recs {
		t, ok := r.Time()
		if !ok {
			continue
		}
		if !found || t.After(max) {
			max, found = t, true
		}
	}
	return max, found
}
