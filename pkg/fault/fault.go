package fault

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrNoCause is recorded when Raise is called with a nil error
var ErrNoCause = stderrors.New("failure raised without a cause")

// Signal is the process-wide "failed" condition. It is raised at most once;
// the first error wins and later calls are ignored.
type Signal struct {
	once sync.Once
	done chan struct{}

	mu  sync.RWMutex
	err error
}

// NewSignal creates a signal in the not-failed state
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Raise marks the process as failed. It reports whether this call was the
// one that raised the signal.
func (s *Signal) Raise(err error) bool {
	if err == nil {
		err = ErrNoCause
	}

	raised := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = errors.WithStack(err)
		s.mu.Unlock()
		close(s.done)
		raised = true
	})
	return raised
}

// Failed reports whether the signal has been raised
func (s *Signal) Failed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the error the signal was raised with, or nil
func (s *Signal) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the signal is raised
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Chain walks err and every wrapped cause, returning one message per level.
// Joined errors are walked depth first.
func Chain(err error) []string {
	var out []string
	walk(err, &out, make(map[error]bool))
	return out
}

func walk(err error, out *[]string, seen map[error]bool) {
	for err != nil {
		if hashable(err) {
			if seen[err] {
				return
			}
			seen[err] = true
		}

		*out = append(*out, err.Error())

		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e, out, seen)
			}
			return
		}
		err = stderrors.Unwrap(err)
	}
}

// hashable guards the seen map against unhashable error values
func hashable(err error) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[error]bool{err: true}
	return true
}

// Root returns the innermost cause of err
func Root(err error) error {
	for err != nil {
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// Log writes err with its full cause chain and, when available, its stack
func Log(logger zerolog.Logger, err error, msg string) {
	logger.Error().
		Stack().
		Err(errors.WithStack(err)).
		Strs("causes", Chain(err)).
		Msg(msg)
}
