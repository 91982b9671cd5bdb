package agent

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

type fakeProvisioner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakeProvisioner) Provision(_ context.Context) (*types.Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &types.Assignment{
		Endpoint:   "hub.example.net",
		DeviceID:   "tracker-01",
		Credential: types.Credential{DeviceID: "tracker-01", Key: []byte("key")},
	}, nil
}

func (p *fakeProvisioner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSession struct {
	mu       sync.Mutex
	handlers transport.Handlers
	twin     *types.Twin
	twinErr  error

	reported    []map[string]any
	reportErrs  []error // consumed one per UpdateReported call
	attempts    int
	version     int64
	sent        []*transport.Message
	sendErr     error
	closed      bool
	closeCalled chan struct{}
}

func newFakeSession(twin *types.Twin) *fakeSession {
	if twin == nil {
		twin = &types.Twin{Desired: types.DesiredPatch{Version: 1, Properties: map[string]json.RawMessage{}}}
	}
	return &fakeSession{twin: twin, closeCalled: make(chan struct{})}
}

func (f *fakeSession) SendEvent(_ context.Context, msg *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) GetTwin(_ context.Context) (*types.Twin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.twin, f.twinErr
}

func (f *fakeSession) UpdateReported(_ context.Context, props map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.reportErrs) > 0 {
		err := f.reportErrs[0]
		f.reportErrs = f.reportErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.reported = append(f.reported, props)
	f.version++
	return f.version, nil
}

func (f *fakeSession) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCalled)
	}
	return nil
}

func (f *fakeSession) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSession) lastSent() *transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSession) reports() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.reported...)
}

func (f *fakeSession) reportAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// deliver pushes a desired patch through the registered handler
func (f *fakeSession) deliver(version int64, props map[string]string) {
	raw := make(map[string]json.RawMessage, len(props))
	for k, v := range props {
		raw[k] = json.RawMessage(v)
	}
	f.handlers.OnDesiredProperties(types.DesiredPatch{Version: version, Properties: raw})
}

type fakeDialer struct {
	mu       sync.Mutex
	next     func() *fakeSession
	sessions []*fakeSession
	err      error
}

func (d *fakeDialer) Dial(_ context.Context, _ types.Assignment, handlers transport.Handlers) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var s *fakeSession
	if d.next != nil {
		s = d.next()
	} else {
		s = newFakeSession(nil)
	}
	s.handlers = handlers
	d.sessions = append(d.sessions, s)
	handlers.OnConnectionStatus(types.ConnectionConnected, "connection_ok")
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

type fakeLocation struct {
	mu     sync.Mutex
	sample types.Sample
	starts int
	period time.Duration
}

func (l *fakeLocation) Start(_ context.Context, period time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	l.period = period
	return nil
}

func (l *fakeLocation) CurrentSample() types.Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sample
}

func (l *fakeLocation) set(s types.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sample = s
}

func twinWithInterval(version int64, value string) *types.Twin {
	return &types.Twin{
		Desired: types.DesiredPatch{
			Version:    version,
			Properties: map[string]json.RawMessage{types.PropertyInterval: json.RawMessage(value)},
		},
	}
}
