package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedSourceInvalidBeforeFirstFix(t *testing.T) {
	src := NewFixed(47.6, -122.3, 12)
	assert.False(t, src.CurrentSample().Valid)
}

func TestFixedSourceSamples(t *testing.T) {
	src := NewFixed(47.6, -122.3, 12)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		return src.CurrentSample().Valid
	}, time.Second, 5*time.Millisecond)

	s := src.CurrentSample()
	assert.Equal(t, 47.6, s.Latitude)
	assert.Equal(t, -122.3, s.Longitude)
	assert.Equal(t, 12.0, s.Altitude)
	assert.False(t, s.Timestamp.IsZero())
}

func TestSourceRestart(t *testing.T) {
	src := NewFixed(1, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Start(ctx, 10*time.Millisecond))
	assert.ErrorIs(t, src.Start(ctx, 10*time.Millisecond), ErrAlreadyStarted)

	cancel()
	src.Wait()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	assert.NoError(t, src.Start(ctx2, 10*time.Millisecond))
}

const testRoute = `
name: harbor
speed_mps: 10
loop: false
fix_after: 2s
waypoints:
  - {lat: 0, lon: 0, alt: 0}
  - {lat: 0, lon: 0.001, alt: 10}
`

func TestParseRoute(t *testing.T) {
	spec, err := ParseRoute([]byte(testRoute))
	require.NoError(t, err)
	assert.Equal(t, "harbor", spec.Name)
	assert.Equal(t, 10.0, spec.SpeedMPS)
	assert.Equal(t, 2*time.Second, spec.FixAfter)
	assert.Len(t, spec.Waypoints, 2)
}

func TestParseRouteErrors(t *testing.T) {
	tests := map[string]string{
		"no waypoints":   "name: empty\n",
		"negative speed": "speed_mps: -1\nwaypoints:\n  - {lat: 0, lon: 0}\n",
		"out of range":   "waypoints:\n  - {lat: 91, lon: 0}\n",
		"bad yaml":       "waypoints: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRoute([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestRoutePosition(t *testing.T) {
	spec, err := ParseRoute([]byte(testRoute))
	require.NoError(t, err)
	r, err := NewRoute(*spec)
	require.NoError(t, err)

	// 0.001 degrees of longitude at the equator is about 111 meters
	assert.InDelta(t, 111.19, r.total, 0.1)

	start := r.Position(0)
	assert.True(t, start.Valid)
	assert.Equal(t, 0.0, start.Longitude)

	half := r.Position(time.Duration(r.total / 2 / 10 * float64(time.Second)))
	assert.InDelta(t, 0.0005, half.Longitude, 1e-6)
	assert.InDelta(t, 5.0, half.Altitude, 1e-3)

	end := r.Position(time.Hour)
	assert.Equal(t, 0.001, end.Longitude)
	assert.Equal(t, 10.0, end.Altitude)
}

func TestRouteLoops(t *testing.T) {
	r, err := NewRoute(RouteSpec{
		SpeedMPS: 1,
		Loop:     true,
		Waypoints: []Waypoint{
			{Lat: 0, Lon: 0},
			{Lat: 0, Lon: 0.001},
		},
	})
	require.NoError(t, err)

	lap := time.Duration(r.total * float64(time.Second))
	back := r.Position(lap)
	assert.InDelta(t, 0.0, back.Longitude, 1e-6)
}

func TestRouteFixAfter(t *testing.T) {
	spec, err := ParseRoute([]byte(testRoute))
	require.NoError(t, err)
	r, err := NewRoute(*spec)
	require.NoError(t, err)

	t0 := time.Unix(1000, 0)
	_, err = r.fix(t0)
	assert.Error(t, err)

	s, err := r.fix(t0.Add(3 * time.Second))
	require.NoError(t, err)
	assert.True(t, s.Valid)
	assert.Equal(t, t0.Add(3*time.Second), s.Timestamp)
}

func TestRouteSamplerReportsInvalidWhileAcquiring(t *testing.T) {
	r, err := NewRoute(RouteSpec{FixAfter: time.Hour, Waypoints: []Waypoint{{Lat: 1, Lon: 1}}})
	require.NoError(t, err)

	r.sample()
	assert.False(t, r.CurrentSample().Valid)
	assert.False(t, r.CurrentSample().Timestamp.IsZero())
}
