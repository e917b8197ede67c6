package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func present(week, country string, v int64) Entry {
	return Entry{Week: MustParseWeek(week), Country: Country(country), Value: v, Present: true, Provenance: "warehouse"}
}

func TestDetectSpikes(t *testing.T) {
	s := &Series{Entries: []Entry{
		present("2025-10-27", "CA", 100),
		present("2025-10-27", "DE", 100),
		present("2025-10-27", "US", 400), // avg 200: +200, +100%
		present("2025-11-03", "CA", 90),
		present("2025-11-03", "US", 110), // avg 100: +10, below both thresholds
		{Week: MustParseWeek("2025-11-03"), Country: "DE", Provenance: ProvenanceAbsent},
	}}

	stats, spikes := DetectSpikes(s, DefaultSpikeOptions())
	require.Len(t, stats, 2)
	assert.Equal(t, "2025-11-03", stats[0].Week.String())
	assert.Equal(t, 2, stats[0].Countries)
	assert.InDelta(t, 100, stats[0].Average, 1e-9)
	assert.InDelta(t, 200, stats[1].Average, 1e-9)
	assert.Equal(t, int64(600), stats[1].Total)
	assert.InDelta(t, 200.0/150.0, stats[1].Ratio, 1e-9)

	require.Len(t, spikes, 1)
	assert.Equal(t, Country("US"), spikes[0].Country)
	assert.InDelta(t, 200, spikes[0].AboveAvg, 1e-9)
	assert.InDelta(t, 100, spikes[0].PctAboveAvg, 1e-9)
}

func TestDetectSpikes_Empty(t *testing.T) {
	stats, spikes := DetectSpikes(&Series{}, DefaultSpikeOptions())
	assert.Nil(t, stats)
	assert.Nil(t, spikes)
}
