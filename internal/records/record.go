// Package records defines the COVID-19 test result rows as they move through
// the pipeline: raw from the API, transformed, and archived.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned when a record cannot be decoded or a
// recognised field holds a value of the wrong shape.
var ErrMalformedRecord = errors.New("malformed record")

// Outcome categories reported by the dataset. Any other value is kept as-is.
const (
	OutcomePositive     = "Positive"
	OutcomeNegative     = "Negative"
	OutcomeInconclusive = "Inconclusive"
)

// RawRecord is one row as returned by the Socrata API. The API encodes every
// value as a JSON string; counts are parsed here so later stages never see text.
type RawRecord struct {
	State                string
	StateName            string
	StateFIPS            string
	FEMARegion           string
	OverallOutcome       string
	Date                 string
	NewResultsReported   *int64
	TotalResultsReported *int64

	// Extra holds fields the dataset carries beyond the eight loaded columns.
	Extra map[string]string
}

// UnmarshalJSON accepts both string and numeric JSON values for every field.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	*r = RawRecord{}
	for key, raw := range fields {
		val, isNull, err := scalar(raw)
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrMalformedRecord, key, err)
		}
		if isNull {
			continue
		}

		switch key {
		case "state":
			r.State = val
		case "state_name":
			r.StateName = val
		case "state_fips":
			r.StateFIPS = val
		case "fema_region":
			r.FEMARegion = val
		case "overall_outcome":
			r.OverallOutcome = val
		case "date":
			r.Date = val
		case "new_results_reported":
			n, err := parseCount(val)
			if err != nil {
				return fmt.Errorf("%w: new_results_reported: %v", ErrMalformedRecord, err)
			}
			r.NewResultsReported = &n
		case "total_results_reported":
			n, err := parseCount(val)
			if err != nil {
				return fmt.Errorf("%w: total_results_reported: %v", ErrMalformedRecord, err)
			}
			r.TotalResultsReported = &n
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]string)
			}
			r.Extra[key] = val
		}
	}
	return nil
}

// MarshalJSON writes the record back in the API's all-strings encoding.
func (r RawRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, 8+len(r.Extra))
	for k, v := range r.Extra {
		out[k] = v
	}
	putString(out, "state", r.State)
	putString(out, "state_name", r.StateName)
	putString(out, "state_fips", r.StateFIPS)
	putString(out, "fema_region", r.FEMARegion)
	putString(out, "overall_outcome", r.OverallOutcome)
	putString(out, "date", r.Date)
	if r.NewResultsReported != nil {
		out["new_results_reported"] = strconv.FormatInt(*r.NewResultsReported, 10)
	}
	if r.TotalResultsReported != nil {
		out["total_results_reported"] = strconv.FormatInt(*r.TotalResultsReported, 10)
	}
	return json.Marshal(out)
}

func putString(m map[string]string, key, val string) {
	if val != "" {
		m[key] = val
	}
}

// scalar flattens a JSON string, number or bool to its text form.
func scalar(raw json.RawMessage) (val string, isNull bool, err error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return "", true, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, false, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, err
	}
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), false, nil
	case bool:
		return strconv.FormatBool(t), false, nil
	default:
		return "", false, fmt.Errorf("unsupported value %s", trimmed)
	}
}

// parseCount accepts integral values, including the "12.0" form some
// exports produce.
func parseCount(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int64(f), nil
}

// Record is a transformed row, ready for loading. Date is in the canonical
// "2006-01-02 15:04:05" form, or empty when the source row had none.
type Record struct {
	State                string
	StateName            string
	StateFIPS            string
	FEMARegion           string
	OverallOutcome       string
	Date                 string
	NewResultsReported   *int64
	TotalResultsReported *int64
	Extra                map[string]string
}

// Int64 returns a pointer to n, for building records in code.
func Int64(n int64) *int64 {
	return &n
}
