package hubsim

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/storage"
	"github.com/cuemby/assettracker/pkg/transport/mqtt"
	"github.com/cuemby/assettracker/pkg/types"
)

// DefaultTelemetryLimit is the number of telemetry messages kept per device
const DefaultTelemetryLimit = 100

var (
	// ErrDeviceNotFound is returned for devices the hub has never seen
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnauthorized is returned when a connection fails authentication
	ErrUnauthorized = errors.New("unauthorized")
)

// Publisher delivers service-to-device messages
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Options configures a Hub
type Options struct {
	// AssignedHub is the endpoint returned to registering devices, e.g.
	// tcp://localhost:1883
	AssignedHub string

	// GroupKey enables SAS verification of every connection. Without it
	// any client is accepted.
	GroupKey []byte

	// RetryAfter is announced on pending registrations, in seconds
	RetryAfter int

	TelemetryLimit int

	// TLSConfig, when set, makes the broker listener speak TLS
	TLSConfig *tls.Config

	// Store persists device twins across restarts; nil keeps them in
	// memory only
	Store storage.Store
}

// TelemetryRecord is one device-to-cloud message
type TelemetryRecord struct {
	Received        time.Time         `json:"received"`
	ContentType     string            `json:"contentType,omitempty"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	Body            json.RawMessage   `json:"body"`
}

// MethodResult is the device answer to a direct method
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// DeviceInfo summarizes a known device
type DeviceInfo struct {
	ID              string    `json:"deviceId"`
	ModelID         string    `json:"modelId,omitempty"`
	Registered      bool      `json:"registered"`
	LastSeen        time.Time `json:"lastSeen"`
	DesiredVersion  int64     `json:"desiredVersion"`
	ReportedVersion int64     `json:"reportedVersion"`
	Messages        int       `json:"messages"`
}

// TwinDocument is the wire form of a device twin. Each section carries
// its $version.
type TwinDocument struct {
	Desired  map[string]json.RawMessage `json:"desired"`
	Reported map[string]json.RawMessage `json:"reported"`
}

type device struct {
	id         string
	modelID    string
	registered bool
	lastSeen   time.Time

	desired         map[string]json.RawMessage
	desiredVersion  int64
	reported        map[string]json.RawMessage
	reportedVersion int64

	telemetry []TelemetryRecord
}

func newDevice(id string) *device {
	return &device{
		id:             id,
		desired:        make(map[string]json.RawMessage),
		desiredVersion: 1,
		reported:       make(map[string]json.RawMessage),
	}
}

type registration struct {
	deviceID string
	modelID  string
}

type registrationRequest struct {
	RegistrationID string `json:"registrationId"`
	Payload        struct {
		ModelID string `json:"modelId"`
	} `json:"payload"`
}

// Hub emulates the provisioning service and the device twin, method and
// telemetry surfaces of an IoT hub on top of an MQTT broker.
type Hub struct {
	opts   Options
	pub    Publisher
	logger zerolog.Logger

	mu            sync.RWMutex
	devices       map[string]*device
	registrations map[string]registration
	waiters       map[string]chan MethodResult
}

// NewHub creates a hub that answers devices through pub
func NewHub(opts Options, pub Publisher) *Hub {
	if opts.TelemetryLimit <= 0 {
		opts.TelemetryLimit = DefaultTelemetryLimit
	}
	h := &Hub{
		opts:          opts,
		pub:           pub,
		logger:        log.WithComponent("hubsim"),
		devices:       make(map[string]*device),
		registrations: make(map[string]registration),
		waiters:       make(map[string]chan MethodResult),
	}
	h.load()
	return h
}

func (h *Hub) load() {
	if h.opts.Store == nil {
		return
	}
	recs, err := h.opts.Store.ListDevices()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load devices, starting empty")
		return
	}
	for _, rec := range recs {
		h.devices[rec.ID] = deviceFromRecord(rec)
	}
	h.logger.Info().Int("devices", len(recs)).Msg("Loaded device twins")
}

// persist saves d; callers hold h.mu
func (h *Hub) persist(d *device) {
	if h.opts.Store == nil {
		return
	}
	if err := h.opts.Store.SaveDevice(d.record()); err != nil {
		h.logger.Error().Err(err).Str("device_id", d.id).Msg("Failed to persist device")
	}
}

// Authenticate checks the shared access signature a client presents as
// its MQTT password. The signing key is derived from the group key and
// the client id.
func (h *Hub) Authenticate(clientID, password string) error {
	if len(h.opts.GroupKey) == 0 {
		return nil
	}

	token, err := security.ParseSASToken(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !strings.HasSuffix(token.Resource, "/devices/"+clientID) &&
		!strings.HasSuffix(token.Resource, "/registrations/"+clientID) {
		return fmt.Errorf("%w: token resource %q does not match client %q", ErrUnauthorized, token.Resource, clientID)
	}

	key, err := security.DeriveDeviceKey(h.opts.GroupKey, clientID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := security.VerifySASToken(token, key, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// HandlePublish processes a message published by clientID. It returns
// false when the hub consumed the message and the broker must not route
// it further.
func (h *Hub) HandlePublish(clientID, topic string, payload []byte) bool {
	if strings.HasPrefix(topic, "devices/") {
		h.recordTelemetry(clientID, topic, payload)
		return true
	}
	if strings.HasPrefix(topic, "$iothub/methods/res/") {
		h.completeMethod(topic, payload)
		return false
	}

	req := mqtt.ParseRequestTopic(topic)
	switch req.Kind {
	case mqtt.RequestRegister:
		h.register(clientID, req.RequestID, payload)
	case mqtt.RequestOperationStatus:
		h.operationStatus(req.RequestID, req.OperationID)
	case mqtt.RequestTwinGet:
		h.getTwin(clientID, req.RequestID)
	case mqtt.RequestReportedPatch:
		h.patchReported(clientID, req.RequestID, payload)
	default:
		if strings.HasPrefix(topic, "$") {
			h.logger.Debug().Str("client_id", clientID).Str("topic", topic).Msg("Ignoring unknown system topic")
			return false
		}
	}
	return req.Kind == mqtt.RequestUnknown
}

func (h *Hub) touch(id string) *device {
	if d, ok := h.devices[id]; ok {
		d.lastSeen = time.Now()
		return d
	}
	d := newDevice(id)
	d.lastSeen = time.Now()
	h.devices[id] = d
	h.persist(d)
	return d
}

func (h *Hub) register(clientID, rid string, payload []byte) {
	var req registrationRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RegistrationID == "" {
		h.respondJSON(mqtt.RegistrationResponseTopic(400, rid, 0), map[string]any{
			"errorCode": 400004,
			"message":   "malformed registration request",
		})
		return
	}
	if req.RegistrationID != clientID {
		h.respondJSON(mqtt.RegistrationResponseTopic(401, rid, 0), map[string]any{
			"errorCode": 401002,
			"message":   "registration id does not match client id",
		})
		return
	}

	opID := uuid.NewString()
	h.mu.Lock()
	h.registrations[opID] = registration{deviceID: req.RegistrationID, modelID: req.Payload.ModelID}
	h.mu.Unlock()

	h.logger.Info().Str("device_id", req.RegistrationID).Str("operation_id", opID).Msg("Registration started")
	h.respondJSON(mqtt.RegistrationResponseTopic(202, rid, h.opts.RetryAfter), map[string]any{
		"operationId": opID,
		"status":      types.RegistrationAssigning,
	})
}

func (h *Hub) operationStatus(rid, opID string) {
	h.mu.Lock()
	reg, ok := h.registrations[opID]
	if ok {
		delete(h.registrations, opID)
		d := h.touch(reg.deviceID)
		d.registered = true
		if reg.modelID != "" {
			d.modelID = reg.modelID
		}
		h.persist(d)
	}
	h.mu.Unlock()

	if !ok {
		h.respondJSON(mqtt.RegistrationResponseTopic(404, rid, 0), map[string]any{
			"errorCode": 404002,
			"message":   "operation not found",
		})
		return
	}

	h.logger.Info().Str("device_id", reg.deviceID).Str("assigned_hub", h.opts.AssignedHub).Msg("Device assigned")
	h.respondJSON(mqtt.RegistrationResponseTopic(200, rid, 0), map[string]any{
		"operationId": opID,
		"status":      types.RegistrationAssigned,
		"registrationState": types.RegistrationResult{
			Status:      types.RegistrationAssigned,
			AssignedHub: h.opts.AssignedHub,
			DeviceID:    reg.deviceID,
		},
	})
}

func (h *Hub) getTwin(clientID, rid string) {
	h.mu.Lock()
	doc := h.touch(clientID).document()
	h.mu.Unlock()
	h.respondJSON(mqtt.TwinResponseTopic(200, rid, 0), doc)
}

func (h *Hub) patchReported(clientID, rid string, payload []byte) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(payload, &patch); err != nil {
		h.pub.Publish(mqtt.TwinResponseTopic(400, rid, 0), []byte("{}"))
		return
	}

	h.mu.Lock()
	d := h.touch(clientID)
	merge(d.reported, patch)
	d.reportedVersion++
	version := d.reportedVersion
	h.persist(d)
	h.mu.Unlock()

	h.logger.Debug().Str("device_id", clientID).Int64("version", version).RawJSON("patch", payload).Msg("Reported properties updated")
	h.pub.Publish(mqtt.TwinResponseTopic(204, rid, version), nil)
}

func (h *Hub) recordTelemetry(clientID, topic string, payload []byte) {
	deviceID, props, err := mqtt.ParseTelemetryTopic(topic)
	if err != nil {
		h.logger.Debug().Err(err).Str("topic", topic).Msg("Ignoring message on device topic")
		return
	}
	if deviceID != clientID {
		h.logger.Warn().Str("client_id", clientID).Str("device_id", deviceID).Msg("Telemetry for another device")
		return
	}

	rec := TelemetryRecord{
		Received:        time.Now(),
		ContentType:     props[mqtt.PropContentType],
		ContentEncoding: props[mqtt.PropContentEncoding],
		Body:            json.RawMessage(append([]byte(nil), payload...)),
	}
	delete(props, mqtt.PropContentType)
	delete(props, mqtt.PropContentEncoding)
	if len(props) > 0 {
		rec.Properties = props
	}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		rec.Body = quoted
	}

	h.mu.Lock()
	d := h.touch(clientID)
	d.telemetry = append(d.telemetry, rec)
	if over := len(d.telemetry) - h.opts.TelemetryLimit; over > 0 {
		d.telemetry = append([]TelemetryRecord(nil), d.telemetry[over:]...)
	}
	h.mu.Unlock()
}

func (h *Hub) completeMethod(topic string, payload []byte) {
	resp, err := mqtt.ParseMethodResponseTopic(topic)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Malformed method response")
		return
	}

	h.mu.Lock()
	ch, ok := h.waiters[resp.RequestID]
	delete(h.waiters, resp.RequestID)
	h.mu.Unlock()
	if !ok {
		h.logger.Debug().Str("rid", resp.RequestID).Msg("Method response without caller")
		return
	}

	body := json.RawMessage(append([]byte(nil), payload...))
	if len(body) == 0 || !json.Valid(body) {
		body = json.RawMessage("null")
	}
	ch <- MethodResult{Status: resp.Status, Payload: body}
}

func (h *Hub) respondJSON(topic string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode response")
		return
	}
	h.pub.Publish(topic, body)
}

// SetDesired merges patch into the desired properties of a device and
// notifies it. A null value removes the property. The new version is
// returned.
func (h *Hub) SetDesired(deviceID string, patch map[string]json.RawMessage) (int64, error) {
	h.mu.Lock()
	d, ok := h.devices[deviceID]
	if !ok {
		h.mu.Unlock()
		return 0, ErrDeviceNotFound
	}
	merge(d.desired, patch)
	d.desiredVersion++
	version := d.desiredVersion
	h.persist(d)
	h.mu.Unlock()

	body := make(map[string]json.RawMessage, len(patch)+1)
	for k, v := range patch {
		body[k] = v
	}
	body["$version"] = json.RawMessage(fmt.Sprintf("%d", version))
	h.respondJSON(mqtt.DesiredPatchTopic(version), body)

	h.logger.Info().Str("device_id", deviceID).Int64("version", version).Msg("Desired properties updated")
	return version, nil
}

// InvokeMethod calls a direct method and waits for the device to answer
// or ctx to end.
func (h *Hub) InvokeMethod(ctx context.Context, deviceID, name string, payload []byte) (*MethodResult, error) {
	h.mu.Lock()
	if _, ok := h.devices[deviceID]; !ok {
		h.mu.Unlock()
		return nil, ErrDeviceNotFound
	}
	rid := uuid.NewString()
	ch := make(chan MethodResult, 1)
	h.waiters[rid] = ch
	h.mu.Unlock()

	if len(payload) == 0 {
		payload = []byte("null")
	}
	h.logger.Info().Str("device_id", deviceID).Str("method", name).Msg("Invoking direct method")
	h.pub.Publish(mqtt.MethodRequestTopic(name, rid), payload)

	select {
	case res := <-ch:
		return &res, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.waiters, rid)
		h.mu.Unlock()
		return nil, fmt.Errorf("method %s on %s: %w", name, deviceID, ctx.Err())
	}
}

// Twin returns the twin document of a device
func (h *Hub) Twin(deviceID string) (*TwinDocument, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	doc := d.document()
	return &doc, nil
}

// Telemetry returns the retained telemetry of a device, oldest first
func (h *Hub) Telemetry(deviceID string) ([]TelemetryRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return append([]TelemetryRecord(nil), d.telemetry...), nil
}

// Devices lists the known devices sorted by id
func (h *Hub) Devices() []DeviceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, DeviceInfo{
			ID:              d.id,
			ModelID:         d.modelID,
			Registered:      d.registered,
			LastSeen:        d.lastSeen,
			DesiredVersion:  d.desiredVersion,
			ReportedVersion: d.reportedVersion,
			Messages:        len(d.telemetry),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveDevice forgets a device and its twin
func (h *Hub) RemoveDevice(deviceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.devices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	delete(h.devices, deviceID)
	if h.opts.Store != nil {
		if err := h.opts.Store.DeleteDevice(deviceID); err != nil {
			return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
		}
	}
	h.logger.Info().Str("device_id", deviceID).Msg("Device removed")
	return nil
}

// Seen records a connection of deviceID
func (h *Hub) Seen(deviceID string) {
	h.mu.Lock()
	h.touch(deviceID)
	h.mu.Unlock()
}

func (d *device) record() *storage.DeviceRecord {
	return &storage.DeviceRecord{
		ID:              d.id,
		ModelID:         d.modelID,
		Registered:      d.registered,
		LastSeen:        d.lastSeen,
		Desired:         d.desired,
		DesiredVersion:  d.desiredVersion,
		Reported:        d.reported,
		ReportedVersion: d.reportedVersion,
	}
}

func deviceFromRecord(rec *storage.DeviceRecord) *device {
	d := newDevice(rec.ID)
	d.modelID = rec.ModelID
	d.registered = rec.Registered
	d.lastSeen = rec.LastSeen
	for k, v := range rec.Desired {
		d.desired[k] = v
	}
	if rec.DesiredVersion > 0 {
		d.desiredVersion = rec.DesiredVersion
	}
	for k, v := range rec.Reported {
		d.reported[k] = v
	}
	d.reportedVersion = rec.ReportedVersion
	return d
}

func (d *device) document() TwinDocument {
	desired := make(map[string]json.RawMessage, len(d.desired)+1)
	for k, v := range d.desired {
		desired[k] = v
	}
	desired["$version"] = json.RawMessage(fmt.Sprintf("%d", d.desiredVersion))

	reported := make(map[string]json.RawMessage, len(d.reported)+1)
	for k, v := range d.reported {
		reported[k] = v
	}
	reported["$version"] = json.RawMessage(fmt.Sprintf("%d", d.reportedVersion))

	return TwinDocument{Desired: desired, Reported: reported}
}

// merge applies a JSON merge patch of one level; null removes a key
func merge(dst, patch map[string]json.RawMessage) {
	for k, v := range patch {
		if strings.HasPrefix(k, "$") {
			continue
		}
		if string(v) == "null" {
			delete(dst, k)
			continue
		}
		dst[k] = append(json.RawMessage(nil), v...)
	}
}
