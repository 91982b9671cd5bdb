/*
Package events provides an in-memory event broker for agent lifecycle
notifications.

The agent publishes an Event for every step of interest: provisioning,
connection changes, property acks, commands, reboots and telemetry. The
metrics collector and the status API subscribe to the broker; the agent
never waits on them.

# Delivery

	Publish ──► queue (100) ──► broadcast loop ──► subscriber (50 each)

Publish never blocks. When the queue is full the event is dropped and
counted (see Broker.Dropped). A subscriber whose buffer is full misses the
event. Publishing on a nil or stopped broker is a no-op.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}
*/
package events
