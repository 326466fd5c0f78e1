package records

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePage = `[
  {"state":"AL","state_name":"Alabama","state_fips":"01","fema_region":"Region 4",
   "overall_outcome":"Negative","date":"2020-03-01T00:00:00.000",
   "new_results_reported":"5","total_results_reported":"5","geocoded_state":"x"},
  {"state":"AL","state_name":"Alabama","state_fips":"01","fema_region":"Region 4",
   "overall_outcome":"Positive","date":"2020-03-02T00:00:00.000",
   "new_results_reported":7,"total_results_reported":"12"},
  {"state":"AK","state_name":"Alaska","state_fips":"02","fema_region":"Region 10",
   "overall_outcome":"Inconclusive","date":"2020-03-02T00:00:00.000"}
]`

func decodeSample(t *testing.T) []RawRecord {
	t.Helper()
	var raw []RawRecord
	require.NoError(t, json.Unmarshal([]byte(samplePage), &raw))
	return raw
}

func TestRawRecord_Decode(t *testing.T) {
	raw := decodeSample(t)
	require.Len(t, raw, 3)

	first := raw[0]
	require.Equal(t, "AL", first.State)
	require.Equal(t, "Alabama", first.StateName)
	require.Equal(t, "01", first.StateFIPS)
	require.Equal(t, "Region 4", first.FEMARegion)
	require.Equal(t, "Negative", first.OverallOutcome)
	require.Equal(t, "2020-03-01T00:00:00.000", first.Date)
	require.NotNil(t, first.NewResultsReported)
	require.EqualValues(t, 5, *first.NewResultsReported)
	require.Equal(t, map[string]string{"geocoded_state": "x"}, first.Extra)

	// Numbers are accepted as well as numeric strings.
	require.EqualValues(t, 7, *raw[1].NewResultsReported)

	// Missing counts stay nil rather than becoming zero.
	require.Nil(t, raw[2].NewResultsReported)
	require.Nil(t, raw[2].TotalResultsReported)
}

func TestRawRecord_DecodeBadCount(t *testing.T) {
	var r RawRecord
	err := json.Unmarshal([]byte(`{"new_results_reported":"lots"}`), &r)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedRecord))

	err = json.Unmarshal([]byte(`{"new_results_reported":"1.5"}`), &r)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestRawRecord_RoundTripKeepsExtra(t *testing.T) {
	raw := decodeSample(t)
	data, err := json.Marshal(raw[0])
	require.NoError(t, err)

	var again RawRecord
	require.NoError(t, json.Unmarshal(data, &again))
	require.Equal(t, raw[0], again)
}

func TestTransform_OneToOne(t *testing.T) {
	raw := decodeSample(t)

	out, err := Transform(raw)
	require.NoError(t, err)
	require.Len(t, out, len(raw))

	for i := range raw {
		require.Equal(t, raw[i].State, out[i].State, "record %d order", i)
		require.Equal(t, raw[i].OverallOutcome, out[i].OverallOutcome)
		require.Equal(t, raw[i].NewResultsReported, out[i].NewResultsReported)
		require.Equal(t, raw[i].TotalResultsReported, out[i].TotalResultsReported)
	}
}

func TestTransform_DatetimeFormatting(t *testing.T) {
	out, err := Transform(decodeSample(t))
	require.NoError(t, err)

	require.Equal(t, "2020-03-01 00:00:00", out[0].Date)
	require.Equal(t, "2020-03-02 00:00:00", out[1].Date)

	// Non-datetime strings are untouched, including ones that look numeric.
	require.Equal(t, "01", out[0].StateFIPS)
	require.Equal(t, "Region 4", out[0].FEMARegion)
	require.Equal(t, "x", out[0].Extra["geocoded_state"])
}

func TestTransform_ExtraDatetimeRewritten(t *testing.T) {
	raw := []RawRecord{{
		State: "CA",
		Date:  "2021-01-05",
		Extra: map[string]string{"updated_at": "2021-01-06T12:30:00.000"},
	}}
	out, err := Transform(raw)
	require.NoError(t, err)
	require.Equal(t, "2021-01-05 00:00:00", out[0].Date)
	require.Equal(t, "2021-01-06 12:30:00", out[0].Extra["updated_at"])
}

func TestTransform_Empty(t *testing.T) {
	out, err := Transform(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestTransform_MalformedDate(t *testing.T) {
	_, err := Transform([]RawRecord{{State: "CA", Date: "yesterday"}})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestTransform_MissingDateAllowed(t *testing.T) {
	out, err := Transform([]RawRecord{{State: "CA"}})
	require.NoError(t, err)
	require.Empty(t, out[0].Date)

	_, ok := out[0].Time()
	require.False(t, ok)
}

func TestMaxDate(t *testing.T) {
	out, err := Transform(decodeSample(t))
	require.NoError(t, err)

	max, ok := MaxDate(out)
	require.True(t, ok)
	require.Equal(t, "2020-03-02", max.Format("2006-01-02"))

	_, ok = MaxDate([]Record{{State: "CA"}})
	require.False(t, ok)
}

func TestFactRows(t *testing.T) {
	out, err := Transform(decodeSample(t))
	require.NoError(t, err)

	rows := FactRows(out, "run-1", ingestTime(t))
	require.Len(t, rows, 3)
	require.Equal(t, "run-1", rows[0].RunID)
	require.Equal(t, 2020, rows[0].Date.Year())
	require.Nil(t, rows[2].NewResultsReported)
}

func ingestTime(t *testing.T) time.Time {
	t.Helper()
	tm, ok := ParseDatetime("2024-03-01T06:00:00")
	require.True(t, ok)
	return tm
}

func TestChecksum(t *testing.T) {
	sum := ComputeChecksum([]byte("hello"))
	require.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
	require.True(t, VerifyChecksum([]byte("hello"), sum))
	require.False(t, VerifyChecksum([]byte("hello!"), sum))
}
