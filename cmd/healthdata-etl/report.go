package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/withObsrvr/healthdata-etl/internal/warehouse"
)

func printReport(out io.Writer, r *warehouse.Report) {
	latest := "-"
	if r.LatestReportDate != nil {
		latest = r.LatestReportDate.Format(time.DateOnly)
	}
	fmt.Fprintf(out, "fact rows: %d\nlatest report date: %s\n\n", r.FactRows, latest)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "OUTCOME\tTOTAL\t")
	for _, o := range r.Outcomes {
		fmt.Fprintf(w, "%s\t%s\t\n", o.OverallOutcome, count(o.TotalResultsReported))
	}
	w.Flush()
	fmt.Fprintln(out)

	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "STATE\tPOSITIVE\tNEGATIVE\tINCONCLUSIVE\tPOSITIVITY %\t")
	for _, s := range r.States {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t\n",
			s.StateName, s.PositiveTests, s.NegativeTests, s.InconclusiveTests, nullDecimal(s.PositivityRate))
	}
	w.Flush()
	fmt.Fprintln(out)

	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "STATE\tTOTAL\t")
	for _, t := range r.Totals {
		fmt.Fprintf(w, "%s\t%s\t\n", t.State, count(t.TotalResultsReported))
	}
	w.Flush()

	if n := len(r.Smoothed); n > 0 {
		last := r.Smoothed[n-1]
		fmt.Fprintf(out, "\nsmoothed (%s): positive %s, negative %s, inconclusive %s\n",
			last.Date.Format(time.DateOnly),
			nullDecimal(last.SmoothedPositiveTests),
			nullDecimal(last.SmoothedNegativeTests),
			nullDecimal(last.SmoothedInconclusiveTests))
	}
}

func count(n *int64) string {
	if n == nil {
		return "-"
	}
	return strconv.FormatInt(*n, 10)
}

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}
