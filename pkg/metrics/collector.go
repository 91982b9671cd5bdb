package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/assettracker/pkg/events"
	"github.com/cuemby/assettracker/pkg/types"
)

var (
	agentStates = []types.AgentState{
		types.AgentIdle, types.AgentProvisioning, types.AgentConnecting,
		types.AgentConnected, types.AgentClosing, types.AgentFaulted, types.AgentFailed,
	}
	connectionStates = []types.ConnectionState{
		types.ConnectionDisconnected, types.ConnectionConnecting,
		types.ConnectionConnected, types.ConnectionFaulted,
	}
)

// StatusProvider exposes the agent state polled by the collector
type StatusProvider interface {
	State() types.AgentState
	ConnectionState() types.ConnectionState
	Interval() time.Duration
}

// Collector turns agent events into metrics and polls gauges from the
// agent on a fixed period.
type Collector struct {
	status StatusProvider
	broker *events.Broker
	sub    events.Subscriber
	period time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a new metrics collector. broker may be nil.
func NewCollector(status StatusProvider, broker *events.Broker) *Collector {
	return &Collector{
		status: status,
		broker: broker,
		period: 5 * time.Second,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	if c.broker != nil {
		c.sub = c.broker.Subscribe()
	}
	ticker := time.NewTicker(c.period)
	go func() {
		defer close(c.doneCh)
		// Collect immediately on start
		c.collect()

		for {
			select {
			case ev, ok := <-c.sub:
				if !ok {
					c.sub = nil
					continue
				}
				c.handle(ev)
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	if c.broker != nil && c.sub != nil {
		c.broker.Unsubscribe(c.sub)
	}
}

func (c *Collector) collect() {
	if c.status != nil {
		setCurrent(c.status.State(), c.status.ConnectionState())
		TelemetryInterval.Set(c.status.Interval().Seconds())
	}
	if c.broker != nil {
		EventsDropped.Set(float64(c.broker.Dropped()))
	}
}

func setCurrent(state types.AgentState, conn types.ConnectionState) {
	for _, s := range agentStates {
		v := 0.0
		if s == state {
			v = 1
		}
		AgentState.WithLabelValues(string(s)).Set(v)
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == conn {
			v = 1
		}
		ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

// handle updates counters from one event. Metadata keys are the ones the
// agent attaches to the event type.
func (c *Collector) handle(ev *events.Event) {
	md := ev.Metadata
	switch ev.Type {
	case events.EventSessionConnected:
		SessionsTotal.Inc()
		UpdateComponent(ComponentSession, true, "connected")
	case events.EventSessionClosed:
		UpdateComponent(ComponentSession, false, "closed")
	case events.EventConnectionChanged:
		state := md["state"]
		UpdateComponent(ComponentSession, state == string(types.ConnectionConnected), state+": "+md["reason"])
	case events.EventTelemetrySent:
		TelemetrySent.Inc()
		UpdateComponent(ComponentLocation, true, "fix")
	case events.EventTelemetrySkipped:
		TelemetrySkipped.Inc()
		UpdateComponent(ComponentLocation, false, "no valid fix")
	case events.EventTelemetryFailed:
		TelemetryErrors.WithLabelValues(md["kind"]).Inc()
	case events.EventPropertyAcked, events.EventPropertyRejected:
		PropertyAcks.WithLabelValues(md["property"], md["code"]).Inc()
		if v, err := strconv.ParseFloat(md["version"], 64); err == nil {
			PropertyVersion.WithLabelValues(md["property"]).Set(v)
		}
	case events.EventCommandReceived:
		CommandsTotal.WithLabelValues(md["command"], md["status"]).Inc()
	case events.EventRebootCompleted:
		RebootsTotal.Inc()
	case events.EventAgentFailed:
		AgentFailed.Set(1)
		UpdateComponent(ComponentSession, false, "failed: "+ev.Message)
	}
}
