/*
Package location provides the position sources sampled by the telemetry
loop.

A Source is started once per session with a sampling period and exposes the
most recent sample without blocking. Until the first fix the sample is
invalid and the telemetry loop skips the tick.

	src := location.NewFixed(47.6062, -122.3321, 56)
	src.Start(ctx, location.DefaultPeriod)
	sample := src.CurrentSample()

Route replays a journey described in YAML at constant speed, optionally
with a delayed first fix:

	name: harbor-loop
	speed_mps: 12
	loop: true
	fix_after: 5s
	waypoints:
	  - {lat: 47.6062, lon: -122.3321, alt: 56}
	  - {lat: 47.6097, lon: -122.3422, alt: 40}
*/
package location
