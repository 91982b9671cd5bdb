package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/assettracker/pkg/types"
)

// Default message attributes for telemetry
const (
	ContentTypeJSON = "application/json"
	EncodingUTF8    = "utf-8"
)

// Error kinds
var (
	// ErrCommunication covers broken connections, refused publishes and
	// other failures the next attempt may not see again.
	ErrCommunication = errors.New("communication error")

	// ErrTimeout is returned when the remote side did not answer in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed is returned by a Session after Close.
	ErrClosed = errors.New("session closed")
)

// Error is a transport failure classified by kind
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Communication wraps err as a communication failure of op
func Communication(op string, err error) error {
	return &Error{Op: op, Kind: ErrCommunication, Err: err}
}

// Timeout wraps err as a timeout of op
func Timeout(op string, err error) error {
	return &Error{Op: op, Kind: ErrTimeout, Err: err}
}

// IsRecoverable reports whether err is a communication or timeout failure.
// Everything else is considered unexpected.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCommunication) || errors.Is(err, ErrTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Message is a device-to-cloud telemetry message
type Message struct {
	Payload         []byte
	ContentType     string
	ContentEncoding string
	Properties      map[string]string
}

// NewJSONMessage builds a telemetry message with JSON content attributes
func NewJSONMessage(payload []byte) *Message {
	return &Message{
		Payload:         payload,
		ContentType:     ContentTypeJSON,
		ContentEncoding: EncodingUTF8,
	}
}

// Handlers are the callbacks a session delivers inbound traffic to.
// OnCommand must return promptly; its response is sent back to the caller.
type Handlers struct {
	OnConnectionStatus  func(state types.ConnectionState, reason string)
	OnCommand           func(ctx context.Context, req *types.CommandRequest) *types.CommandResponse
	OnDesiredProperties func(patch types.DesiredPatch)
}

// Session is one live connection to the assigned endpoint
type Session interface {
	// SendEvent publishes one telemetry message
	SendEvent(ctx context.Context, msg *Message) error

	// GetTwin fetches the full twin document
	GetTwin(ctx context.Context) (*types.Twin, error)

	// UpdateReported patches reported properties and returns the new
	// reported version.
	UpdateReported(ctx context.Context, props map[string]any) (int64, error)

	// Close disconnects gracefully. Handlers are not called after Close
	// returns.
	Close(ctx context.Context) error
}

// Dialer opens sessions to an assigned endpoint
type Dialer interface {
	Dial(ctx context.Context, assignment types.Assignment, handlers Handlers) (Session, error)
}

// Registrar performs device registration with a provisioning service
type Registrar interface {
	Register(ctx context.Context, req types.RegistrationRequest) (*types.RegistrationResult, error)
}
