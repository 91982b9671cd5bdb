package agent

import (
	"sync/atomic"
	"time"
)

// IntervalCell holds the telemetry interval in milliseconds. It has a
// single writer, the property synchronizer, and is read by the telemetry
// loop at the top of every iteration.
type IntervalCell struct {
	ms atomic.Int64
}

// NewIntervalCell returns a cell holding d
func NewIntervalCell(d time.Duration) *IntervalCell {
	c := &IntervalCell{}
	c.Set(d)
	return c
}

// Get returns the current interval
func (c *IntervalCell) Get() time.Duration {
	return time.Duration(c.ms.Load()) * time.Millisecond
}

// Set replaces the interval
func (c *IntervalCell) Set(d time.Duration) {
	c.ms.Store(d.Milliseconds())
}

// SetSeconds replaces the interval with a whole number of seconds
func (c *IntervalCell) SetSeconds(n int64) {
	c.ms.Store(n * 1000)
}

// Milliseconds returns the raw cell value
func (c *IntervalCell) Milliseconds() int64 {
	return c.ms.Load()
}
