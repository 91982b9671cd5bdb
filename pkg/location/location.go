package location

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/types"
)

// DefaultPeriod is the sampling period used by the telemetry loop
const DefaultPeriod = 1000 * time.Millisecond

// ErrAlreadyStarted is returned by Start while a sampler is running
var ErrAlreadyStarted = errors.New("location source already started")

// Source produces location samples. CurrentSample never blocks and returns
// an invalid sample until the first fix.
type Source interface {
	Start(ctx context.Context, period time.Duration) error
	CurrentSample() types.Sample
}

// fixFunc computes the position at a point in time
type fixFunc func(now time.Time) (types.Sample, error)

// sampler runs a fix function on a ticker and keeps the latest sample.
// It can be started again after the context of the previous run ends.
type sampler struct {
	fix    fixFunc
	now    func() time.Time
	logger zerolog.Logger

	latest  atomic.Pointer[types.Sample]
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newSampler(name string, fix fixFunc) *sampler {
	return &sampler{
		fix:    fix,
		now:    time.Now,
		logger: log.WithComponent("location").With().Str("source", name).Logger(),
	}
}

// Start begins sampling every period until ctx is cancelled
func (s *sampler) Start(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.done = make(chan struct{})

	go s.run(ctx, period, s.done)
	s.logger.Debug().Dur("period", period).Msg("Location sampling started")
	return nil
}

func (s *sampler) run(ctx context.Context, period time.Duration, done chan struct{}) {
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (s *sampler) sample() {
	sample, err := s.fix(s.now())
	if err != nil {
		s.logger.Debug().Err(err).Msg("No location fix")
		sample = types.Sample{Valid: false, Timestamp: s.now()}
	}
	s.latest.Store(&sample)
}

// CurrentSample returns the latest sample
func (s *sampler) CurrentSample() types.Sample {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return types.Sample{}
}

// Wait blocks until the current run has stopped
func (s *sampler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Fixed reports a constant position
type Fixed struct {
	*sampler
	position types.Sample
}

// NewFixed returns a source that always reports the given coordinates
func NewFixed(lat, lon, alt float64) *Fixed {
	f := &Fixed{position: types.Sample{Latitude: lat, Longitude: lon, Altitude: alt, Valid: true}}
	f.sampler = newSampler("fixed", func(now time.Time) (types.Sample, error) {
		s := f.position
		s.Timestamp = now
		return s, nil
	})
	return f
}
