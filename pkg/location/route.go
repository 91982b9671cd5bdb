package location

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/assettracker/pkg/types"
)

const earthRadiusMeters = 6371000.0

// Waypoint is one point of a route
type Waypoint struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
	Alt float64 `yaml:"alt"`
}

// RouteSpec describes a simulated journey
type RouteSpec struct {
	Name      string     `yaml:"name"`
	SpeedMPS  float64    `yaml:"speed_mps"`
	Loop      bool       `yaml:"loop"`
	Waypoints []Waypoint `yaml:"waypoints"`

	// FixAfter delays the first valid fix, as a receiver acquiring
	// satellites would.
	FixAfter time.Duration `yaml:"fix_after"`
}

// Validate checks the route is usable
func (r *RouteSpec) Validate() error {
	if len(r.Waypoints) == 0 {
		return fmt.Errorf("route %q has no waypoints", r.Name)
	}
	if r.SpeedMPS < 0 {
		return fmt.Errorf("route %q has a negative speed", r.Name)
	}
	for i, w := range r.Waypoints {
		if w.Lat < -90 || w.Lat > 90 || w.Lon < -180 || w.Lon > 180 {
			return fmt.Errorf("route %q waypoint %d is out of range", r.Name, i)
		}
	}
	return nil
}

// LoadRoute reads a route from a YAML file
func LoadRoute(path string) (*RouteSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file: %w", err)
	}
	return ParseRoute(data)
}

// ParseRoute decodes a YAML route
func ParseRoute(data []byte) (*RouteSpec, error) {
	var spec RouteSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse route: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Route moves along waypoints at constant speed
type Route struct {
	*sampler
	spec    RouteSpec
	legs    []float64 // leg lengths in meters
	total   float64
	startAt time.Time
	started bool
}

// NewRoute returns a source travelling spec from the time of its first
// sample.
func NewRoute(spec RouteSpec) (*Route, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r := &Route{spec: spec}
	for i := 1; i < len(spec.Waypoints); i++ {
		d := distance(spec.Waypoints[i-1], spec.Waypoints[i])
		r.legs = append(r.legs, d)
		r.total += d
	}
	if spec.Loop && len(spec.Waypoints) > 1 {
		d := distance(spec.Waypoints[len(spec.Waypoints)-1], spec.Waypoints[0])
		r.legs = append(r.legs, d)
		r.total += d
	}

	name := spec.Name
	if name == "" {
		name = "route"
	}
	r.sampler = newSampler(name, r.fix)
	return r, nil
}

func (r *Route) fix(now time.Time) (types.Sample, error) {
	if !r.started {
		r.startAt = now
		r.started = true
	}
	elapsed := now.Sub(r.startAt)
	if elapsed < r.spec.FixAfter {
		return types.Sample{}, fmt.Errorf("acquiring fix, %s left", r.spec.FixAfter-elapsed)
	}

	s := r.Position(elapsed)
	s.Timestamp = now
	return s, nil
}

// Position returns where the route is after travelling for elapsed
func (r *Route) Position(elapsed time.Duration) types.Sample {
	wps := r.spec.Waypoints
	if len(wps) == 1 || r.total == 0 || r.spec.SpeedMPS == 0 {
		return sampleAt(wps[0])
	}

	travelled := r.spec.SpeedMPS * elapsed.Seconds()
	if r.spec.Loop {
		travelled = math.Mod(travelled, r.total)
	} else if travelled >= r.total {
		return sampleAt(wps[len(wps)-1])
	}

	for i, leg := range r.legs {
		if travelled <= leg {
			from := wps[i]
			to := wps[(i+1)%len(wps)]
			f := 0.0
			if leg > 0 {
				f = travelled / leg
			}
			return types.Sample{
				Latitude:  from.Lat + (to.Lat-from.Lat)*f,
				Longitude: from.Lon + (to.Lon-from.Lon)*f,
				Altitude:  from.Alt + (to.Alt-from.Alt)*f,
				Valid:     true,
			}
		}
		travelled -= leg
	}
	return sampleAt(wps[len(wps)-1])
}

func sampleAt(w Waypoint) types.Sample {
	return types.Sample{Latitude: w.Lat, Longitude: w.Lon, Altitude: w.Alt, Valid: true}
}

// distance is the great-circle distance between two waypoints
func distance(a, b Waypoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
