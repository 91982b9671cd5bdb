package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/assettracker/pkg/events"
	"github.com/cuemby/assettracker/pkg/fault"
	"github.com/cuemby/assettracker/pkg/location"
	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/metrics"
	"github.com/cuemby/assettracker/pkg/provisioning"
	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

// Defaults
const (
	DefaultInterval         = 5 * time.Second
	DefaultRebootDelay      = 5 * time.Second
	DefaultSamplePeriod     = 1000 * time.Millisecond
	DefaultOperationTimeout = 30 * time.Second
	closeTimeout            = 10 * time.Second
)

// ErrNotRunning is returned by Stop when the agent was never started
var ErrNotRunning = errors.New("agent is not running")

// Options configures an Agent
type Options struct {
	Provisioner provisioning.Provisioner
	Dialer      transport.Dialer
	Location    location.Source

	// Signal is the process-wide failure condition. A new one is created
	// when nil.
	Signal *fault.Signal

	// Events receives lifecycle events; may be nil
	Events *events.Broker

	RebootDelay      time.Duration
	DefaultInterval  time.Duration
	SamplePeriod     time.Duration
	OperationTimeout time.Duration

	// Static reported properties
	SDKVersion       string
	FrameworkVersion string
	Manufacturer     string
}

func (o *Options) setDefaults() {
	if o.Signal == nil {
		o.Signal = fault.NewSignal()
	}
	if o.RebootDelay <= 0 {
		o.RebootDelay = DefaultRebootDelay
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = DefaultInterval
	}
	if o.SamplePeriod <= 0 {
		o.SamplePeriod = DefaultSamplePeriod
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.FrameworkVersion == "" {
		o.FrameworkVersion = runtime.Version()
	}
	if o.Manufacturer == "" {
		o.Manufacturer = types.Manufacturer
	}
	if o.SDKVersion == "" {
		o.SDKVersion = "unknown"
	}
}

// session is one live connection. Its goroutines are bound to ctx, which
// is cancelled before the transport session is closed.
type session struct {
	endpoint  string
	deviceID  string
	transport transport.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	patches *patchQueue
	logger  zerolog.Logger

	// last connection state and fault reason reported by the transport
	conn      atomic.Value // types.ConnectionState
	lastFault atomic.Value // string
}

func (s *session) live() bool {
	return s.ctx.Err() == nil
}

// Agent is the session manager of the device. It owns the transport
// session and runs the property synchronizer and the telemetry loop for
// the lifetime of each session.
type Agent struct {
	opts     Options
	logger   zerolog.Logger
	interval *IntervalCell

	// lifecycle serializes start, close and stop
	lifecycle sync.Mutex

	mu       sync.RWMutex
	state    types.AgentState
	session  *session
	property types.PropertyState
	reported int64
	deviceID string

	runCtx    context.Context
	runCancel context.CancelFunc
	stopped   bool
	wg        sync.WaitGroup

	rebooting    atomic.Bool
	locationOnce sync.Once
}

// New creates an agent in the Idle state
func New(opts Options) (*Agent, error) {
	if opts.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Location == nil {
		return nil, fmt.Errorf("location source is required")
	}
	opts.setDefaults()

	return &Agent{
		opts:     opts,
		logger:   log.WithComponent("agent"),
		interval: NewIntervalCell(opts.DefaultInterval),
		state:    types.AgentIdle,
		property: types.PropertyState{Name: types.PropertyInterval, Value: int64(opts.DefaultInterval / time.Second)},
	}, nil
}

// Start provisions the device and establishes a session. Any error is
// fatal: the failure signal is raised before Start returns it.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.runCtx == nil {
		a.runCtx, a.runCancel = context.WithCancel(ctx)
	}
	if a.stopped {
		a.mu.Unlock()
		return ErrNotRunning
	}
	runCtx := a.runCtx
	a.mu.Unlock()

	return a.start(runCtx)
}

func (a *Agent) start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.RLock()
	if a.session != nil {
		a.mu.RUnlock()
		return nil
	}
	a.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	a.setState(types.AgentProvisioning)
	timer := metrics.NewTimer()
	assignment, err := a.opts.Provisioner.Provision(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.setState(types.AgentIdle)
			return err
		}
		a.emit(events.EventProvisioningFailed, err.Error(), nil)
		return a.fail(fmt.Errorf("failed to provision device: %w", err))
	}
	timer.ObserveDuration(metrics.ProvisioningDuration)

	a.mu.Lock()
	a.deviceID = assignment.DeviceID
	a.mu.Unlock()
	a.emit(events.EventProvisioned, "device assigned", map[string]string{"endpoint": assignment.Endpoint})
	a.logger.Info().Str("device_id", assignment.DeviceID).Str("endpoint", assignment.Endpoint).Msg("Device provisioned")

	a.setState(types.AgentConnecting)
	s, err := a.connect(ctx, assignment)
	if err != nil {
		if ctx.Err() != nil {
			a.setState(types.AgentIdle)
			return err
		}
		return a.fail(err)
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	a.setState(types.AgentConnected)

	a.startLocation()
	s.wg.Add(2)
	go a.synchronize(s)
	go a.telemetryLoop(s)

	a.emit(events.EventSessionConnected, "session established", map[string]string{"endpoint": s.endpoint})
	s.logger.Info().Dur("interval", a.interval.Get()).Msg("Session ready, telemetry started")
	return nil
}

// connect dials the assigned endpoint, applies the initial twin and
// reports the static properties.
func (a *Agent) connect(ctx context.Context, assignment *types.Assignment) (*session, error) {
	s := &session{
		endpoint: assignment.Endpoint,
		deviceID: assignment.DeviceID,
		patches:  newPatchQueue(),
		logger:   log.ForDevice("agent", assignment.DeviceID),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.conn.Store(types.ConnectionConnecting)
	s.lastFault.Store("")

	handlers := transport.Handlers{
		OnConnectionStatus: func(state types.ConnectionState, reason string) {
			a.onConnectionStatus(s, state, reason)
		},
		OnCommand: a.OnCommand,
		OnDesiredProperties: func(patch types.DesiredPatch) {
			if s.live() {
				s.patches.push(patch)
			}
		},
	}

	ts, err := a.opts.Dialer.Dial(ctx, *assignment, handlers)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", assignment.Endpoint, err)
	}
	s.transport = ts

	opCtx, cancel := context.WithTimeout(ctx, a.opts.OperationTimeout)
	defer cancel()

	twin, err := ts.GetTwin(opCtx)
	if err != nil {
		a.abandon(s)
		return nil, fmt.Errorf("failed to fetch twin: %w", err)
	}

	reported := map[string]any{
		types.PropertyFrameworkVersion: a.opts.FrameworkVersion,
		types.PropertyManufacturer:     a.opts.Manufacturer,
		types.PropertySDKVersion:       a.opts.SDKVersion,
	}
	var ack *types.PropertyAck
	if a.isStale(twin.Desired) {
		s.logger.Warn().Int64("version", twin.Desired.Version).Int64("acked_version", a.ackedVersion()).Msg("Ignoring stale desired interval in twin")
	} else if ack = a.applyDesired(s, twin.Desired, ackInitial); ack != nil {
		reported[types.PropertyInterval] = ack
	} else {
		a.resetInterval(s)
	}

	version, err := ts.UpdateReported(opCtx, reported)
	if err != nil {
		a.abandon(s)
		return nil, fmt.Errorf("failed to report device properties: %w", err)
	}
	if ack != nil {
		a.recordAck(ack, version)
	} else {
		a.mu.Lock()
		a.reported = version
		a.mu.Unlock()
	}

	return s, nil
}

// abandon releases a session that never became ready
func (a *Agent) abandon(s *session) {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.transport.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close abandoned session")
	}
}

// onConnectionStatus is observational: it never reconnects
func (a *Agent) onConnectionStatus(s *session, state types.ConnectionState, reason string) {
	if !s.live() {
		return
	}
	s.conn.Store(state)
	if state != types.ConnectionConnected {
		s.lastFault.Store(reason)
	}

	a.mu.Lock()
	if a.session == s {
		switch {
		case state == types.ConnectionConnected && a.state == types.AgentFaulted:
			a.state = types.AgentConnected
		case (state == types.ConnectionDisconnected || state == types.ConnectionFaulted) && a.state == types.AgentConnected:
			a.state = types.AgentFaulted
		}
	}
	a.mu.Unlock()

	a.emit(events.EventConnectionChanged, reason, map[string]string{"state": string(state), "reason": reason})
	s.logger.Info().Str("state", string(state)).Str("reason", reason).Msg("Connection status changed")
}

// closeSession moves Connected to Closing to Idle. The session goroutines
// have returned and the transport handle is released when it returns.
func (a *Agent) closeSession(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	a.setState(types.AgentClosing)
	s.cancel()
	s.wg.Wait()

	err := s.transport.Close(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close session cleanly")
	}

	if !a.opts.Signal.Failed() {
		a.setState(types.AgentIdle)
	}
	a.emit(events.EventSessionClosed, "session closed", nil)
	a.logger.Info().Msg("Session closed")
	return err
}

// Stop closes the session and waits for background work to finish
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.runCtx == nil {
		a.mu.Unlock()
		return ErrNotRunning
	}
	a.stopped = true
	cancel := a.runCancel
	a.mu.Unlock()

	cancel()
	err := a.closeSession(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for agent to stop: %w", ctx.Err())
	}
	return err
}

// Run starts the agent and blocks until ctx is done or the failure signal
// is raised. It returns the failure cause, if any.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.opts.Signal.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil && !errors.Is(err, ErrNotRunning) {
		a.logger.Warn().Err(err).Msg("Agent did not stop cleanly")
	}
	return a.opts.Signal.Err()
}

// fail records a fatal error: the chain is logged, the agent moves to
// Failed and the failure signal is raised.
func (a *Agent) fail(err error) error {
	a.setState(types.AgentFailed)
	fault.Log(a.logger, err, "Agent failed")
	if a.opts.Signal.Raise(err) {
		a.emit(events.EventAgentFailed, err.Error(), nil)
	}
	return err
}

func (a *Agent) startLocation() {
	a.locationOnce.Do(func() {
		a.mu.RLock()
		ctx := a.runCtx
		a.mu.RUnlock()
		if err := a.opts.Location.Start(ctx, a.opts.SamplePeriod); err != nil && !errors.Is(err, location.ErrAlreadyStarted) {
			a.logger.Error().Err(err).Msg("Failed to start location source")
		}
	})
}

func (a *Agent) setState(state types.AgentState) {
	a.mu.Lock()
	prev := a.state
	if prev == types.AgentFailed {
		a.mu.Unlock()
		return
	}
	a.state = state
	a.mu.Unlock()

	if prev != state {
		a.logger.Debug().Str("from", string(prev)).Str("to", string(state)).Msg("State changed")
	}
}

func (a *Agent) emit(t events.EventType, msg string, md map[string]string) {
	if a.opts.Events == nil {
		return
	}
	a.opts.Events.Publish(events.New(t, msg, md))
}

// State returns the session manager state
func (a *Agent) State() types.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// ConnectionState returns the last state reported by the transport
func (a *Agent) ConnectionState() types.ConnectionState {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()
	if s == nil {
		return types.ConnectionDisconnected
	}
	return s.conn.Load().(types.ConnectionState)
}

// LastFault returns the reason of the last non-connected status
func (a *Agent) LastFault() string {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()
	if s == nil {
		return ""
	}
	return s.lastFault.Load().(string)
}

// Interval returns the current telemetry interval
func (a *Agent) Interval() time.Duration {
	return a.interval.Get()
}

// Property returns the state of the Interval writable property
func (a *Agent) Property() types.PropertyState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.property
}

// ReportedVersion returns the twin version of the last reported patch
func (a *Agent) ReportedVersion() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reported
}

// Signal returns the failure signal of the agent
func (a *Agent) Signal() *fault.Signal {
	return a.opts.Signal
}

// DeviceID returns the id assigned at the last provisioning
func (a *Agent) DeviceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceID
}
