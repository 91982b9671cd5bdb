package agent

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/assettracker/pkg/events"
	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/metrics"
	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

// telemetryLoop publishes the current location once per interval while the
// session is live. The interval is read at the top of each iteration, so a
// change applies from the next sleep on.
func (a *Agent) telemetryLoop(s *session) {
	defer s.wg.Done()
	logger := log.ForDevice("telemetry", s.deviceID)

	for {
		interval := a.interval.Get()
		sample := a.opts.Location.CurrentSample()

		if !sample.Valid {
			logger.Debug().Msg("No valid location sample, skipping")
			a.emit(events.EventTelemetrySkipped, "no valid sample", nil)
		} else if err := a.publish(s, sample); err != nil {
			switch {
			case !s.live():
				return
			case transport.IsRecoverable(err):
				logger.Warn().Err(err).Msg("Failed to publish telemetry, will retry next interval")
				a.emit(events.EventTelemetryFailed, err.Error(), map[string]string{"kind": "recoverable"})
			default:
				a.emit(events.EventTelemetryFailed, err.Error(), map[string]string{"kind": "fatal"})
				a.fail(err)
				return
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			logger.Debug().Msg("Telemetry loop stopped")
			return
		}
	}
}

func (a *Agent) publish(s *session, sample types.Sample) error {
	payload, err := json.Marshal(types.TelemetryFromSample(sample))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, a.opts.OperationTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	if err := s.transport.SendEvent(ctx, transport.NewJSONMessage(payload)); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.TelemetryPublishDuration)

	a.emit(events.EventTelemetrySent, string(payload), nil)
	logger := log.ForDevice("telemetry", s.deviceID)
	logger.Debug().RawJSON("payload", payload).Msg("Telemetry sent")
	return nil
}
