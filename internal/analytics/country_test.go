package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCountry(t *testing.T) {
	tests := []struct {
		raw  string
		want Country
	}{
		{"United States", "US"},
		{"US", "US"},
		{" us ", "US"},
		{"Canada", "CA"},
		{"Germany", "DE"},
		{"Atlantis  Republic", "ATLANTIS REPUBLIC"},
	}
	for _, tt := range tests {
		got, err := NormalizeCountry(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestNormalizeCountry_Rejects(t *testing.T) {
	_, err := NormalizeCountry("   ")
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = NormalizeCountry("(not set)")
	assert.ErrorIs(t, err, ErrUnattributedCountry)
}
