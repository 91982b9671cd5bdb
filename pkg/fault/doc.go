// Package fault holds the single failure signal shared by every component of
// the agent and the helpers used to report a fatal error with its whole cause
// chain.
//
// Recoverable transport errors never reach this package; they are logged and
// swallowed where they happen. Anything else is passed to Signal.Raise, and the
// host process terminates once Done is closed.
package fault
