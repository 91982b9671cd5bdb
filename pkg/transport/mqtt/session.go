package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

// Defaults for hub sessions
const (
	DefaultTimeout   = 30 * time.Second
	DefaultKeepAlive = 60 * time.Second
	hubTLSPort       = "8883"
	qosAtLeastOnce   = byte(1)
	qosAtMostOnce    = byte(0)
)

// Dialer opens MQTT sessions to an IoT hub
type Dialer struct {
	// ModelID is announced in the username of every connection
	ModelID string

	// Timeout bounds each request/response exchange
	Timeout time.Duration

	// TokenTTL is the lifetime of the SAS tokens used as password
	TokenTTL time.Duration

	KeepAlive time.Duration
	TLSConfig *tls.Config
}

// NewDialer returns a Dialer announcing modelID with default timings
func NewDialer(modelID string) *Dialer {
	return &Dialer{
		ModelID:   modelID,
		Timeout:   DefaultTimeout,
		TokenTTL:  security.DefaultTokenTTL,
		KeepAlive: DefaultKeepAlive,
	}
}

// Dial connects to the assigned hub, subscribes to the twin and method
// topics and returns once the session can serve requests.
func (d *Dialer) Dial(ctx context.Context, assignment types.Assignment, handlers transport.Handlers) (transport.Session, error) {
	brokerURL, hubHost, err := BrokerURL(assignment.Endpoint)
	if err != nil {
		return nil, err
	}
	if len(assignment.Credential.Key) == 0 {
		return nil, fmt.Errorf("assignment for %s carries no key", assignment.DeviceID)
	}

	s := &Session{
		deviceID: assignment.DeviceID,
		handlers: handlers,
		timeout:  valueOr(d.Timeout, DefaultTimeout),
		pending:  make(map[string]chan twinReply),
		ready:    make(chan struct{}),
		logger:   log.ForDevice("transport", assignment.DeviceID),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ttl := valueOr(d.TokenTTL, security.DefaultTokenTTL)
	key := assignment.Credential.Key
	resource := security.DeviceResource(hubHost, assignment.DeviceID)

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(assignment.DeviceID).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetKeepAlive(valueOr(d.KeepAlive, DefaultKeepAlive)).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetCredentialsProvider(func() (string, string) {
			token, err := security.NewSASToken(resource, key, "", time.Now().Add(ttl))
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to sign connection token")
				return "", ""
			}
			return HubUsername(hubHost, assignment.DeviceID, d.ModelID), token.String()
		}).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			s.notify(types.ConnectionConnecting, "retrying")
		})
	if isTLS(brokerURL) {
		opts.SetTLSConfig(clientTLS(d.TLSConfig, hubHost))
	}

	s.client = paho.NewClient(opts)
	s.notify(types.ConnectionConnecting, "dialing")

	if err := wait(ctx, s.client.Connect(), s.timeout); err != nil {
		s.cancel()
		s.notify(types.ConnectionDisconnected, err.Error())
		return nil, classify("connect", err)
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		s.client.Disconnect(0)
		s.cancel()
		return nil, transport.Timeout("subscribe", ctx.Err())
	case <-time.After(s.timeout):
		s.client.Disconnect(0)
		s.cancel()
		return nil, transport.Timeout("subscribe", errors.New("subscriptions not acknowledged"))
	}

	s.logger.Info().Str("broker", brokerURL).Msg("Session established")
	return s, nil
}

// BrokerURL resolves an assigned endpoint to the broker URL to dial and the
// host name used in tokens and usernames. A bare host name means TLS on 8883.
func BrokerURL(endpoint string) (brokerURL, host string, err error) {
	if endpoint == "" {
		return "", "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return "ssl://" + endpoint + ":" + hubTLSPort, endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return endpoint, u.Hostname(), nil
}

// clientTLS returns base with ServerName defaulted to host, or a config
// verifying host against the system roots when base is nil
func clientTLS(base *tls.Config, host string) *tls.Config {
	if base == nil {
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	if base.ServerName != "" {
		return base
	}
	c := base.Clone()
	c.ServerName = host
	return c
}

func isTLS(brokerURL string) bool {
	for _, scheme := range []string{"ssl://", "tls://", "mqtts://", "tcps://"} {
		if strings.HasPrefix(brokerURL, scheme) {
			return true
		}
	}
	return false
}

type twinReply struct {
	status  int
	version int64
	payload []byte
}

// Session is a live MQTT connection to the hub
type Session struct {
	client   paho.Client
	deviceID string
	handlers transport.Handlers
	timeout  time.Duration
	logger   zerolog.Logger

	// ctx bounds command handlers; cancelled on Close
	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan twinReply

	readyOnce sync.Once
	ready     chan struct{}
	closed    atomic.Bool

	// inflight counts method invocations whose response is not sent yet
	inflight sync.WaitGroup
}

func (s *Session) onConnect(c paho.Client) {
	filters := map[string]byte{
		TwinResponseFilter:  qosAtMostOnce,
		DesiredPatchFilter:  qosAtMostOnce,
		MethodRequestFilter: qosAtMostOnce,
	}
	token := c.SubscribeMultiple(filters, s.route)
	if !token.WaitTimeout(s.timeout) {
		s.logger.Error().Msg("Timed out subscribing to hub topics")
		s.notify(types.ConnectionFaulted, "subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to subscribe to hub topics")
		s.notify(types.ConnectionFaulted, err.Error())
		return
	}

	s.readyOnce.Do(func() { close(s.ready) })
	s.notify(types.ConnectionConnected, "connection_ok")
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	s.notify(types.ConnectionDisconnected, reason)
}

func (s *Session) notify(state types.ConnectionState, reason string) {
	if s.closed.Load() && state != types.ConnectionDisconnected {
		return
	}
	if s.handlers.OnConnectionStatus != nil {
		s.handlers.OnConnectionStatus(state, reason)
	}
}

// route dispatches every inbound publish. It runs on the client's router
// goroutine, so nothing here may wait on a token.
func (s *Session) route(_ paho.Client, msg paho.Message) {
	if s.closed.Load() {
		return
	}
	topic := msg.Topic()
	switch {
	case strings.HasPrefix(topic, twinResponsePrefix):
		s.handleTwinResponse(topic, msg.Payload())
	case strings.HasPrefix(topic, desiredPatchPrefix):
		s.handleDesiredPatch(topic, msg.Payload())
	case strings.HasPrefix(topic, methodRequestPrefix):
		payload := append([]byte(nil), msg.Payload()...)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handleMethod(topic, payload)
		}()
	default:
		s.logger.Debug().Str("topic", topic).Msg("Ignoring message on unexpected topic")
	}
}

func (s *Session) handleTwinResponse(topic string, payload []byte) {
	resp, err := ParseTwinResponseTopic(topic)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Malformed twin response")
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[resp.RequestID]
	delete(s.pending, resp.RequestID)
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug().Str("rid", resp.RequestID).Msg("Twin response without pending request")
		return
	}
	ch <- twinReply{status: resp.Status, version: resp.Version, payload: append([]byte(nil), payload...)}
}

func (s *Session) handleDesiredPatch(topic string, payload []byte) {
	version, err := ParseDesiredPatchTopic(topic)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Malformed desired patch topic")
		return
	}
	patch, err := DecodeDesired(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Malformed desired patch payload")
		return
	}
	if patch.Version == 0 {
		patch.Version = version
	}
	if s.handlers.OnDesiredProperties != nil {
		s.handlers.OnDesiredProperties(patch)
	}
}

func (s *Session) handleMethod(topic string, payload []byte) {
	name, rid, err := ParseMethodRequestTopic(topic)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Malformed method request")
		return
	}

	resp := &types.CommandResponse{Status: 501}
	if s.handlers.OnCommand != nil {
		if r := s.handlers.OnCommand(s.ctx, &types.CommandRequest{Name: name, Payload: payload}); r != nil {
			resp = r
		}
	}
	body := resp.Payload
	if len(body) == 0 {
		body = []byte("{}")
	}

	if err := wait(s.ctx, s.client.Publish(MethodResponseTopic(resp.Status, rid), qosAtMostOnce, false, body), s.timeout); err != nil {
		s.logger.Warn().Err(err).Str("method", name).Msg("Failed to send method response")
	}
}

// SendEvent publishes telemetry at least once
func (s *Session) SendEvent(ctx context.Context, msg *transport.Message) error {
	if s.closed.Load() {
		return transport.Communication("send event", transport.ErrClosed)
	}
	topic := TelemetryTopic(s.deviceID, msg.ContentType, msg.ContentEncoding, msg.Properties)
	if err := wait(ctx, s.client.Publish(topic, qosAtLeastOnce, false, msg.Payload), s.timeout); err != nil {
		return classify("send event", err)
	}
	return nil
}

// GetTwin fetches the twin document
func (s *Session) GetTwin(ctx context.Context) (*types.Twin, error) {
	reply, err := s.request(ctx, "get twin", TwinGetTopic, []byte{})
	if err != nil {
		return nil, err
	}
	if reply.status != 200 {
		return nil, statusError("get twin", reply.status)
	}
	return DecodeTwin(reply.payload)
}

// UpdateReported patches reported properties
func (s *Session) UpdateReported(ctx context.Context, props map[string]any) (int64, error) {
	body, err := json.Marshal(props)
	if err != nil {
		return 0, fmt.Errorf("failed to encode reported properties: %w", err)
	}
	reply, err := s.request(ctx, "update reported", ReportedPatchTopic, body)
	if err != nil {
		return 0, err
	}
	if reply.status != 204 && reply.status != 200 {
		return 0, statusError("update reported", reply.status)
	}
	return reply.version, nil
}

func (s *Session) request(ctx context.Context, op string, topicFor func(rid string) string, body []byte) (twinReply, error) {
	if s.closed.Load() {
		return twinReply{}, transport.Communication(op, transport.ErrClosed)
	}

	rid := uuid.NewString()
	ch := make(chan twinReply, 1)
	s.pendingMu.Lock()
	s.pending[rid] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, rid)
		s.pendingMu.Unlock()
	}()

	if err := wait(ctx, s.client.Publish(topicFor(rid), qosAtMostOnce, false, body), s.timeout); err != nil {
		return twinReply{}, classify(op, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return twinReply{}, transport.Timeout(op, errors.New("no response from hub"))
	case <-ctx.Done():
		return twinReply{}, transport.Timeout(op, ctx.Err())
	case <-s.ctx.Done():
		return twinReply{}, transport.Communication(op, transport.ErrClosed)
	}
}

// Close disconnects from the hub once method responses already being
// handled have been sent. Pending twin requests fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	flushed := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		s.logger.Warn().Msg("Closing with method responses still pending")
	}
	s.cancel()

	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < 250*time.Millisecond {
			quiesce = uint(max(left, 0) / time.Millisecond)
		}
	}
	s.client.Disconnect(quiesce)
	s.notify(types.ConnectionDisconnected, "closed")
	s.logger.Info().Msg("Session closed")
	return nil
}

// twinDocument is the wire form of a full twin
type twinDocument struct {
	Desired  map[string]json.RawMessage `json:"desired"`
	Reported map[string]json.RawMessage `json:"reported"`
}

// DecodeTwin parses a full twin document
func DecodeTwin(payload []byte) (*types.Twin, error) {
	var doc twinDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode twin: %w", err)
	}

	desired, desiredVersion, err := splitVersion(doc.Desired)
	if err != nil {
		return nil, fmt.Errorf("failed to decode desired properties: %w", err)
	}
	reported, reportedVersion, err := splitVersion(doc.Reported)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reported properties: %w", err)
	}

	return &types.Twin{
		Desired:         types.DesiredPatch{Version: desiredVersion, Properties: desired},
		Reported:        reported,
		ReportedVersion: reportedVersion,
	}, nil
}

// DecodeDesired parses a desired properties patch
func DecodeDesired(payload []byte) (types.DesiredPatch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return types.DesiredPatch{}, fmt.Errorf("failed to decode desired patch: %w", err)
	}
	props, version, err := splitVersion(raw)
	if err != nil {
		return types.DesiredPatch{}, err
	}
	return types.DesiredPatch{Version: version, Properties: props}, nil
}

// splitVersion separates the $version marker and metadata from the
// property values of a twin section.
func splitVersion(section map[string]json.RawMessage) (map[string]json.RawMessage, int64, error) {
	props := make(map[string]json.RawMessage, len(section))
	var version int64
	for k, v := range section {
		switch {
		case k == "$version":
			if err := json.Unmarshal(v, &version); err != nil {
				return nil, 0, fmt.Errorf("invalid $version: %w", err)
			}
		case strings.HasPrefix(k, "$"):
		default:
			props[k] = v
		}
	}
	return props, version, nil
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return transport.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return transport.Timeout(op, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return transport.Communication(op, err)
	}
}

// statusError maps hub status codes: throttling and server errors are
// worth another attempt, the rest are not.
func statusError(op string, status int) error {
	err := fmt.Errorf("hub answered with status %d", status)
	if status == 429 || status >= 500 {
		return transport.Communication(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func valueOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
