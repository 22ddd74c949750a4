package fog

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_Rounding(t *testing.T) {
	s := NewSanitizer(6)

	p, err := s.Sanitize(-97.43901234, 35.22071599)
	require.NoError(t, err)
	assert.Equal(t, -97.439012, p.Lon)
	assert.Equal(t, 35.220716, p.Lat)
}

func TestSanitize_Rejects(t *testing.T) {
	s := NewSanitizer(DefaultPrecision)

	tests := []struct {
		name     string
		lon, lat float64
	}{
		{"NaN longitude", math.NaN(), 10},
		{"NaN latitude", 10, math.NaN()},
		{"infinite latitude", 0, math.Inf(1)},
		{"negative infinite longitude", math.Inf(-1), 0},
		{"longitude too large", 180.0001, 0},
		{"longitude too small", -181, 0},
		{"latitude too large", 0, 90.5},
		{"latitude too small", 0, -91},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sanitize(tt.lon, tt.lat)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCoordinate), "got %v", err)
		})
	}
}

func TestSanitize_BoundaryValuesAccepted(t *testing.T) {
	s := NewSanitizer(DefaultPrecision)

	for _, p := range []GeoPoint{{180, 90}, {-180, -90}, {0, 0}} {
		got, err := s.Sanitize(p.Lon, p.Lat)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestSanitize_NearbyPointsCollapse(t *testing.T) {
	s := NewSanitizer(6)

	a, err := s.Sanitize(12.3456781, 45.6543211)
	require.NoError(t, err)
	b, err := s.Sanitize(12.3456779, 45.6543209)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestRoundCoordinate_NegativeZero(t *testing.T) {
	r := RoundCoordinate(-0.0000001, 6)
	assert.False(t, math.Signbit(r), "expected positive zero, got %v", r)
}

func TestNewSanitizer_InvalidPrecision(t *testing.T) {
	assert.Equal(t, DefaultPrecision, NewSanitizer(-1).Precision())
	assert.Equal(t, DefaultPrecision, NewSanitizer(12).Precision())
	assert.Equal(t, 4, NewSanitizer(4).Precision())
}
