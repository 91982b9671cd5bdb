package agent

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/assettracker/pkg/events"
	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

// Ack descriptions and codes
const (
	ackInitial          = "Ack initial cloud value"
	ackUpdated          = "Updated completed"
	ackInvalid          = "Invalid interval"
	ackCodeOK           = 200
	ackCodeInvalidValue = 400

	// MaxInterval bounds the telemetry interval a patch may request
	MaxInterval = 24 * time.Hour
)

// patchQueue is an unbounded FIFO of desired patches. Push never blocks,
// so the transport callback that feeds it never stalls.
type patchQueue struct {
	mu     sync.Mutex
	items  []types.DesiredPatch
	notify chan struct{}
}

func newPatchQueue() *patchQueue {
	return &patchQueue{notify: make(chan struct{}, 1)}
}

func (q *patchQueue) push(p types.DesiredPatch) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *patchQueue) pop() (types.DesiredPatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.DesiredPatch{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

// synchronize processes desired patches of one session in arrival order.
// The ack for a patch is sent before the next patch is looked at.
func (a *Agent) synchronize(s *session) {
	defer s.wg.Done()
	logger := log.ForDevice("properties", s.deviceID)

	for {
		for {
			patch, ok := s.patches.pop()
			if !ok {
				break
			}
			if !a.handlePatch(s, patch) {
				return
			}
		}

		select {
		case <-s.patches.notify:
		case <-s.ctx.Done():
			logger.Debug().Msg("Property synchronizer stopped")
			return
		}
	}
}

// handlePatch applies one patch and reports its ack. It returns false when
// the synchronizer must stop.
func (a *Agent) handlePatch(s *session, patch types.DesiredPatch) bool {
	logger := log.ForDevice("properties", s.deviceID)

	if a.isStale(patch) {
		logger.Warn().Int64("version", patch.Version).Int64("acked_version", a.ackedVersion()).Msg("Ignoring stale desired patch")
		return true
	}

	ack := a.applyDesired(s, patch, ackUpdated)
	if ack == nil {
		logger.Debug().Int64("version", patch.Version).Msg("Desired patch has no known properties")
		return true
	}

	ctx, cancel := context.WithTimeout(s.ctx, a.opts.OperationTimeout)
	defer cancel()
	version, err := s.transport.UpdateReported(ctx, map[string]any{types.PropertyInterval: ack})
	switch {
	case err == nil:
		a.recordAck(ack, version)
		logger.Info().Interface("value", ack.Value).Int64("av", ack.Version).Int("ac", ack.Code).Msg("Property acknowledged")
		return true
	case !s.live():
		return false
	case transport.IsRecoverable(err):
		logger.Warn().Err(err).Int64("version", patch.Version).Msg("Failed to send property ack, skipping")
		return true
	default:
		a.fail(err)
		return false
	}
}

func (a *Agent) ackedVersion() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.property.AckedVersion
}

// isStale reports whether patch carries Interval at a version older than
// the last acked one.
func (a *Agent) isStale(patch types.DesiredPatch) bool {
	if _, ok := patch.Properties[types.PropertyInterval]; !ok {
		return false
	}
	return patch.Version < a.ackedVersion()
}

// applyDesired applies the Interval of a desired patch and returns the ack
// to report, or nil when the patch does not carry Interval. The ack is not
// recorded until recordAck.
func (a *Agent) applyDesired(s *session, patch types.DesiredPatch, description string) *types.PropertyAck {
	raw, ok := patch.Properties[types.PropertyInterval]
	if !ok {
		return nil
	}

	ack := &types.PropertyAck{Version: patch.Version}
	seconds, err := parseInterval(raw)
	if err != nil {
		var value any
		_ = json.Unmarshal(raw, &value)
		ack.Value = value
		ack.Code = ackCodeInvalidValue
		ack.Description = ackInvalid
		logger := log.ForDevice("properties", s.deviceID)
		logger.Warn().Err(err).Int64("version", patch.Version).Msg("Rejecting desired interval")
		return ack
	}

	a.interval.SetSeconds(seconds)
	ack.Value = seconds
	ack.Code = ackCodeOK
	ack.Description = description

	a.mu.Lock()
	a.property.Value = seconds
	a.property.UpdatedAt = time.Now()
	a.mu.Unlock()
	return ack
}

// recordAck stores an ack the hub accepted along with the reported
// version it produced.
func (a *Agent) recordAck(ack *types.PropertyAck, reported int64) {
	a.mu.Lock()
	a.reported = reported
	if ack.Version > a.property.AckedVersion {
		a.property.AckedVersion = ack.Version
	}
	a.property.LastAck = ack
	a.property.UpdatedAt = time.Now()
	a.mu.Unlock()

	if ack.Code == ackCodeOK {
		a.emit(events.EventPropertyAcked, ack.Description, ackMetadata(ack))
	} else {
		a.emit(events.EventPropertyRejected, ack.Description, ackMetadata(ack))
	}
}

// resetInterval restores the default interval when the twin carries no
// desired Interval.
func (a *Agent) resetInterval(s *session) {
	if a.interval.Get() == a.opts.DefaultInterval {
		return
	}
	a.interval.Set(a.opts.DefaultInterval)
	a.mu.Lock()
	a.property.Value = int64(a.opts.DefaultInterval / time.Second)
	a.property.UpdatedAt = time.Now()
	a.mu.Unlock()
	s.logger.Info().Dur("interval", a.opts.DefaultInterval).Msg("Twin has no desired interval, using default")
}

// parseInterval accepts a positive whole number of seconds
func parseInterval(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, &invalidIntervalError{raw: string(raw), reason: "not a number"}
	}
	if f != math.Trunc(f) {
		return 0, &invalidIntervalError{raw: string(raw), reason: "not a whole number of seconds"}
	}
	if f <= 0 || f > MaxInterval.Seconds() {
		return 0, &invalidIntervalError{raw: string(raw), reason: "out of range"}
	}
	return int64(f), nil
}

type invalidIntervalError struct {
	raw    string
	reason string
}

func (e *invalidIntervalError) Error() string {
	return "invalid interval " + e.raw + ": " + e.reason
}

func ackMetadata(ack *types.PropertyAck) map[string]string {
	return map[string]string{
		"property": types.PropertyInterval,
		"code":     strconv.Itoa(ack.Code),
		"version":  strconv.FormatInt(ack.Version, 10),
	}
}
