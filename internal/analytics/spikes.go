package analytics

import (
	"sort"
)

// SpikeOptions are the thresholds a country-week must clear, relative to the
// average across countries for the same week.
type SpikeOptions struct {
	MinPctAboveAvg float64
	MinAboveAvg    float64
}

func DefaultSpikeOptions() SpikeOptions {
	return SpikeOptions{MinPctAboveAvg: 25, MinAboveAvg: 50}
}

// WeekStats summarises one week of a series.
type WeekStats struct {
	Week      Week    `json:"week"`
	Countries int     `json:"countries"`
	Average   float64 `json:"average"`
	Total     int64   `json:"total"`
	// Ratio is the week's average over the mean of all weekly averages.
	Ratio float64 `json:"ratio"`
}

// Spike is a country-week standing out from its week's average.
type Spike struct {
	Week        Week    `json:"week"`
	Country     Country `json:"country"`
	Value       int64   `json:"value"`
	Average     float64 `json:"average"`
	AboveAvg    float64 `json:"aboveAvg"`
	PctAboveAvg float64 `json:"pctAboveAvg"`
}

// DetectSpikes computes weekly statistics and country spikes. Absent entries
// are ignored. Both results are ordered newest week first; spikes within a
// week are ordered by distance above the average.
func DetectSpikes(s *Series, opts SpikeOptions) ([]WeekStats, []Spike) {
	byWeek := make(map[Week][]Entry)
	for _, e := range s.Entries {
		if e.Present {
			byWeek[e.Week] = append(byWeek[e.Week], e)
		}
	}
	if len(byWeek) == 0 {
		return nil, nil
	}

	stats := make([]WeekStats, 0, len(byWeek))
	var sumAvg float64
	for w, entries := range byWeek {
		st := WeekStats{Week: w, Countries: len(entries)}
		for _, e := range entries {
			st.Total += e.Value
		}
		st.Average = float64(st.Total) / float64(len(entries))
		sumAvg += st.Average
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[j].Week.Before(stats[i].Week) })

	overall := sumAvg / float64(len(stats))
	var spikes []Spike
	for i := range stats {
		st := &stats[i]
		if overall > 0 {
			st.Ratio = st.Average / overall
		}
		// A zero average means every value of the week is zero.
		if st.Average == 0 {
			continue
		}
		for _, e := range byWeek[st.Week] {
			above := float64(e.Value) - st.Average
			pct := above / st.Average * 100
			if pct >= opts.MinPctAboveAvg && above >= opts.MinAboveAvg {
				spikes = append(spikes, Spike{
					Week:        e.Week,
					Country:     e.Country,
					Value:       e.Value,
					Average:     st.Average,
					AboveAvg:    above,
					PctAboveAvg: pct,
				})
			}
		}
	}

	sort.Slice(spikes, func(i, j int) bool {
		a, b := spikes[i], spikes[j]
		if a.Week != b.Week {
			return b.Week.Before(a.Week)
		}
		if a.AboveAvg != b.AboveAvg {
			return a.AboveAvg > b.AboveAvg
		}
		return a.Country < b.Country
	})
	return stats, spikes
}
