package hubsim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/storage"
	"github.com/cuemby/assettracker/pkg/transport/mqtt"
	"github.com/cuemby/assettracker/pkg/types"
)

type published struct {
	topic   string
	payload []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
	hook func(topic string, payload []byte)
}

func (r *recorder) Publish(topic string, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, published{topic: topic, payload: payload})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
}

func (r *recorder) last(t *testing.T) published {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.msgs)
	return r.msgs[len(r.msgs)-1]
}

func newTestHub(opts Options) (*Hub, *recorder) {
	rec := &recorder{}
	if opts.AssignedHub == "" {
		opts.AssignedHub = "tcp://localhost:1883"
	}
	return NewHub(opts, rec), rec
}

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

func TestRegistrationFlow(t *testing.T) {
	hub, rec := newTestHub(Options{RetryAfter: 2})

	consumed := !hub.HandlePublish("tracker-01", mqtt.RegisterTopic("r1"),
		[]byte(`{"registrationId":"tracker-01","payload":{"modelId":"dtmi:test;1"}}`))
	assert.True(t, consumed)

	msg := rec.last(t)
	resp, err := mqtt.ParseRegistrationResponseTopic(msg.topic)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, 2, resp.RetryAfter)

	body := decode(t, msg.payload)
	assert.Equal(t, "assigning", body["status"])
	opID, _ := body["operationId"].(string)
	require.NotEmpty(t, opID)

	hub.HandlePublish("tracker-01", mqtt.OperationStatusTopic("r2", opID), nil)
	msg = rec.last(t)
	resp, err = mqtt.ParseRegistrationResponseTopic(msg.topic)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "r2", resp.RequestID)

	var op struct {
		Status            types.RegistrationStatus  `json:"status"`
		RegistrationState *types.RegistrationResult `json:"registrationState"`
	}
	require.NoError(t, json.Unmarshal(msg.payload, &op))
	assert.Equal(t, types.RegistrationAssigned, op.Status)
	require.NotNil(t, op.RegistrationState)
	assert.Equal(t, "tcp://localhost:1883", op.RegistrationState.AssignedHub)
	assert.Equal(t, "tracker-01", op.RegistrationState.DeviceID)

	devices := hub.Devices()
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Registered)
	assert.Equal(t, "dtmi:test;1", devices[0].ModelID)

	// operations are single use
	hub.HandlePublish("tracker-01", mqtt.OperationStatusTopic("r3", opID), nil)
	resp, _ = mqtt.ParseRegistrationResponseTopic(rec.last(t).topic)
	assert.Equal(t, 404, resp.Status)
}

func TestRegistrationRejectsMismatchedID(t *testing.T) {
	hub, rec := newTestHub(Options{})

	hub.HandlePublish("tracker-01", mqtt.RegisterTopic("r1"), []byte(`{"registrationId":"tracker-02"}`))
	resp, err := mqtt.ParseRegistrationResponseTopic(rec.last(t).topic)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.Status)

	hub.HandlePublish("tracker-01", mqtt.RegisterTopic("r2"), []byte(`not json`))
	resp, _ = mqtt.ParseRegistrationResponseTopic(rec.last(t).topic)
	assert.Equal(t, 400, resp.Status)
	assert.Empty(t, hub.Devices())
}

func TestTwinGetAndReportedPatch(t *testing.T) {
	hub, rec := newTestHub(Options{})

	hub.HandlePublish("tracker-01", mqtt.TwinGetTopic("g1"), nil)
	msg := rec.last(t)
	resp, err := mqtt.ParseTwinResponseTopic(msg.topic)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	twin, err := mqtt.DecodeTwin(msg.payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), twin.Desired.Version)
	assert.Empty(t, twin.Desired.Properties)

	hub.HandlePublish("tracker-01", mqtt.ReportedPatchTopic("p1"),
		[]byte(`{"Manufacturer":"Contoso","Interval":{"value":5,"av":1,"ac":200,"ad":"Ack initial cloud value"}}`))
	resp, err = mqtt.ParseTwinResponseTopic(rec.last(t).topic)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "p1", resp.RequestID)
	assert.Equal(t, int64(1), resp.Version)

	hub.HandlePublish("tracker-01", mqtt.ReportedPatchTopic("p2"), []byte(`{"Manufacturer":null}`))
	resp, _ = mqtt.ParseTwinResponseTopic(rec.last(t).topic)
	assert.Equal(t, int64(2), resp.Version)

	doc, err := hub.Twin("tracker-01")
	require.NoError(t, err)
	assert.NotContains(t, doc.Reported, "Manufacturer")
	assert.JSONEq(t, `{"value":5,"av":1,"ac":200,"ad":"Ack initial cloud value"}`, string(doc.Reported["Interval"]))
	assert.Equal(t, "2", string(doc.Reported["$version"]))

	hub.HandlePublish("tracker-01", mqtt.ReportedPatchTopic("p3"), []byte(`[1,2]`))
	resp, _ = mqtt.ParseTwinResponseTopic(rec.last(t).topic)
	assert.Equal(t, 400, resp.Status)
}

func TestSetDesired(t *testing.T) {
	hub, rec := newTestHub(Options{})

	_, err := hub.SetDesired("tracker-01", map[string]json.RawMessage{"Interval": json.RawMessage("2")})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	hub.Seen("tracker-01")
	version, err := hub.SetDesired("tracker-01", map[string]json.RawMessage{"Interval": json.RawMessage("2")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	msg := rec.last(t)
	topicVersion, err := mqtt.ParseDesiredPatchTopic(msg.topic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), topicVersion)

	patch, err := mqtt.DecodeDesired(msg.payload)
	require.NoError(t, err)
	assert.Equal(t, int64(2), patch.Version)
	assert.Equal(t, "2", string(patch.Properties["Interval"]))

	doc, err := hub.Twin("tracker-01")
	require.NoError(t, err)
	assert.Equal(t, "2", string(doc.Desired["Interval"]))
}

func TestInvokeMethod(t *testing.T) {
	hub, rec := newTestHub(Options{})
	hub.Seen("tracker-01")

	// answer like a device would
	rec.hook = func(topic string, _ []byte) {
		name, rid, err := mqtt.ParseMethodRequestTopic(topic)
		if err != nil || name != "Reboot" {
			return
		}
		go hub.HandlePublish("tracker-01", mqtt.MethodResponseTopic(200, rid), []byte(`{}`))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := hub.InvokeMethod(ctx, "tracker-01", "Reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{}`, string(res.Payload))

	_, err = hub.InvokeMethod(ctx, "unknown", "Reboot", nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestInvokeMethodTimeout(t *testing.T) {
	hub, _ := newTestHub(Options{})
	hub.Seen("tracker-01")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.InvokeMethod(ctx, "tracker-01", "Reboot", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, hub.waiters)
}

func TestTelemetryRecorded(t *testing.T) {
	hub, _ := newTestHub(Options{TelemetryLimit: 2})

	topic := mqtt.TelemetryTopic("tracker-01", "application/json", "utf-8", map[string]string{"source": "gps"})
	for i := 0; i < 3; i++ {
		assert.True(t, hub.HandlePublish("tracker-01", topic, []byte(`{"Location":{"lon":1,"lat":2,"alt":3}}`)))
	}

	// another client cannot publish for tracker-01
	hub.HandlePublish("intruder", topic, []byte(`{}`))

	records, err := hub.Telemetry("tracker-01")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "application/json", records[0].ContentType)
	assert.Equal(t, "utf-8", records[0].ContentEncoding)
	assert.Equal(t, map[string]string{"source": "gps"}, records[0].Properties)
	assert.JSONEq(t, `{"Location":{"lon":1,"lat":2,"alt":3}}`, string(records[1].Body))

	_, err = hub.Telemetry("intruder")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUnknownTopics(t *testing.T) {
	hub, rec := newTestHub(Options{})
	assert.True(t, hub.HandlePublish("c", "plain/topic", nil))
	assert.False(t, hub.HandlePublish("c", "$iothub/unknown", nil))
	assert.Empty(t, rec.msgs)
}

func TestAuthenticate(t *testing.T) {
	groupKey := []byte("group-key")
	deviceKey, err := security.DeriveDeviceKey(groupKey, "tracker-01")
	require.NoError(t, err)

	sign := func(resource string, key []byte, expiry time.Time) string {
		tok, err := security.NewSASToken(resource, key, "", expiry)
		require.NoError(t, err)
		return tok.String()
	}
	future := time.Now().Add(time.Hour)

	hub, _ := newTestHub(Options{GroupKey: groupKey})

	assert.NoError(t, hub.Authenticate("tracker-01", sign(security.DeviceResource("localhost", "tracker-01"), deviceKey, future)))
	assert.NoError(t, hub.Authenticate("tracker-01", sign(security.RegistrationResource("scope", "tracker-01"), deviceKey, future)))

	tests := map[string]string{
		"garbage":        "not a token",
		"wrong key":      sign(security.DeviceResource("localhost", "tracker-01"), []byte("other"), future),
		"wrong resource": sign(security.DeviceResource("localhost", "tracker-02"), deviceKey, future),
		"expired":        sign(security.DeviceResource("localhost", "tracker-01"), deviceKey, time.Now().Add(-time.Minute)),
	}
	for name, password := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, hub.Authenticate("tracker-01", password), ErrUnauthorized)
		})
	}

	open, _ := newTestHub(Options{})
	assert.NoError(t, open.Authenticate("anyone", ""))
}

func TestHubPersistsTwins(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	hub, _ := newTestHub(Options{Store: store})
	hub.HandlePublish("tracker-01", mqtt.TwinGetTopic("1"), nil)
	_, err = hub.SetDesired("tracker-01", map[string]json.RawMessage{"Interval": json.RawMessage("4")})
	require.NoError(t, err)
	hub.HandlePublish("tracker-01", mqtt.ReportedPatchTopic("2"),
		[]byte(`{"Interval":{"value":4,"av":2,"ac":200,"ad":"Updated completed"}}`))
	require.NoError(t, store.Close())

	store, err = storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	restarted, _ := newTestHub(Options{Store: store})
	twin, err := restarted.Twin("tracker-01")
	require.NoError(t, err)
	assert.JSONEq(t, "4", string(twin.Desired["Interval"]))
	assert.Equal(t, "2", string(twin.Desired["$version"]))
	assert.Contains(t, string(twin.Reported["Interval"]), "Updated completed")

	// versions continue from the persisted state
	version, err := restarted.SetDesired("tracker-01", map[string]json.RawMessage{"Interval": json.RawMessage("5")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	require.NoError(t, restarted.RemoveDevice("tracker-01"))
	_, err = store.GetDevice("tracker-01")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
