package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/i474232898/country-metrics/internal/analytics"
)

var (
	spikesHeader    = []string{"week", "country", "value", "avg_value", "value_above_avg", "pct_above_avg"}
	weekStatsHeader = []string{"week", "countries", "avg_value", "total_value", "week_ratio"}
)

// WriteSpikesTSV writes the spikes found by analytics.DetectSpikes.
func WriteSpikesTSV(w io.Writer, spikes []analytics.Spike) error {
	tw := csv.NewWriter(w)
	tw.Comma = '\t'
	if err := tw.Write(spikesHeader); err != nil {
		return err
	}
	for _, s := range spikes {
		if err := tw.Write([]string{
			s.Week.String(),
			string(s.Country),
			strconv.FormatInt(s.Value, 10),
			formatFloat(s.Average, 1),
			formatFloat(s.AboveAvg, 0),
			formatFloat(s.PctAboveAvg, 1),
		}); err != nil {
			return err
		}
	}
	tw.Flush()
	return tw.Error()
}

// WriteWeekStatsTSV writes per-week averages and totals.
func WriteWeekStatsTSV(w io.Writer, stats []analytics.WeekStats) error {
	tw := csv.NewWriter(w)
	tw.Comma = '\t'
	if err := tw.Write(weekStatsHeader); err != nil {
		return err
	}
	for _, st := range stats {
		if err := tw.Write([]string{
			st.Week.String(),
			strconv.Itoa(st.Countries),
			formatFloat(st.Average, 1),
			strconv.FormatInt(st.Total, 10),
			formatFloat(st.Ratio, 2),
		}); err != nil {
			return err
		}
	}
	tw.Flush()
	return tw.Error()
}

func formatFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}
