package mqtt

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryTopic(t *testing.T) {
	topic := TelemetryTopic("tracker-01", "application/json", "utf-8", nil)
	assert.Equal(t, "devices/tracker-01/messages/events/$.ct=application%2Fjson&$.ce=utf-8", topic)

	topic = TelemetryTopic("tracker-01", "", "", map[string]string{"b": "2", "a": "x y"})
	assert.Equal(t, "devices/tracker-01/messages/events/a=x+y&b=2", topic)
}

func TestParseTelemetryTopic(t *testing.T) {
	id, props, err := ParseTelemetryTopic("devices/tracker-01/messages/events/$.ct=application%2Fjson&$.ce=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "tracker-01", id)
	assert.Equal(t, "application/json", props[PropContentType])
	assert.Equal(t, "utf-8", props[PropContentEncoding])

	id, props, err = ParseTelemetryTopic("devices/tracker-02/messages/events/")
	require.NoError(t, err)
	assert.Equal(t, "tracker-02", id)
	assert.Empty(t, props)

	_, _, err = ParseTelemetryTopic("devices/tracker-01/twin")
	assert.Error(t, err)
	_, _, err = ParseTelemetryTopic("$iothub/twin/GET/?$rid=1")
	assert.Error(t, err)
}

func TestUsernames(t *testing.T) {
	assert.Equal(t,
		"hub.example.net/tracker-01/?api-version=2021-04-12&model-id=dtmi%3AassetTrackerDemo%3AXFAssetTrackert0%3B1",
		HubUsername("hub.example.net", "tracker-01", "dtmi:assetTrackerDemo:XFAssetTrackert0;1"))
	assert.Equal(t, "hub.example.net/tracker-01/?api-version=2021-04-12", HubUsername("hub.example.net", "tracker-01", ""))
	assert.Equal(t, "0ne0000ABCD/registrations/tracker-01/api-version=2019-03-31", DPSUsername("0ne0000ABCD", "tracker-01"))
}

func TestParseResponseTopics(t *testing.T) {
	tests := []struct {
		name    string
		parse   func(string) (*Response, error)
		topic   string
		want    *Response
		wantErr bool
	}{
		{
			name:  "twin get response",
			parse: ParseTwinResponseTopic,
			topic: TwinResponseTopic(200, "abc", 0),
			want:  &Response{Status: 200, RequestID: "abc"},
		},
		{
			name:  "reported patch response",
			parse: ParseTwinResponseTopic,
			topic: TwinResponseTopic(204, "abc", 12),
			want:  &Response{Status: 204, RequestID: "abc", Version: 12},
		},
		{
			name:  "registration in progress",
			parse: ParseRegistrationResponseTopic,
			topic: RegistrationResponseTopic(202, "r1", 3),
			want:  &Response{Status: 202, RequestID: "r1", RetryAfter: 3},
		},
		{
			name:  "method response",
			parse: ParseMethodResponseTopic,
			topic: MethodResponseTopic(200, "m1"),
			want:  &Response{Status: 200, RequestID: "m1"},
		},
		{
			name:    "wrong prefix",
			parse:   ParseTwinResponseTopic,
			topic:   MethodResponseTopic(200, "m1"),
			wantErr: true,
		},
		{
			name:    "bad status",
			parse:   ParseTwinResponseTopic,
			topic:   "$iothub/twin/res/ok/?$rid=1",
			wantErr: true,
		},
		{
			name:    "missing query",
			parse:   ParseTwinResponseTopic,
			topic:   "$iothub/twin/res/200",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parse(tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDesiredPatchTopic(t *testing.T) {
	v, err := ParseDesiredPatchTopic(DesiredPatchTopic(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = ParseDesiredPatchTopic("$iothub/twin/PATCH/properties/desired/")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = ParseDesiredPatchTopic("$iothub/twin/res/200/?$rid=1")
	assert.Error(t, err)
}

func TestParseMethodRequestTopic(t *testing.T) {
	name, rid, err := ParseMethodRequestTopic(MethodRequestTopic("Reboot", "42"))
	require.NoError(t, err)
	assert.Equal(t, "Reboot", name)
	assert.Equal(t, "42", rid)

	_, _, err = ParseMethodRequestTopic("$iothub/methods/POST//?$rid=1")
	assert.Error(t, err)
}

func TestParseRequestTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  Request
	}{
		{topic: TwinGetTopic("1"), want: Request{Kind: RequestTwinGet, RequestID: "1"}},
		{topic: ReportedPatchTopic("2"), want: Request{Kind: RequestReportedPatch, RequestID: "2"}},
		{topic: RegisterTopic("3"), want: Request{Kind: RequestRegister, RequestID: "3"}},
		{topic: OperationStatusTopic("4", "op-1"), want: Request{Kind: RequestOperationStatus, RequestID: "4", OperationID: "op-1"}},
		{topic: "devices/x/messages/events/", want: Request{Kind: RequestUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRequestTopic(tt.topic))
		})
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		endpoint string
		wantURL  string
		wantHost string
		wantErr  bool
	}{
		{endpoint: "hub.example.net", wantURL: "ssl://hub.example.net:8883", wantHost: "hub.example.net"},
		{endpoint: "tcp://localhost:1883", wantURL: "tcp://localhost:1883", wantHost: "localhost"},
		{endpoint: "", wantErr: true},
		{endpoint: "tcp://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			u, host, err := BrokerURL(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, u)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantURL != "tcp://localhost:1883", isTLS(u))
		})
	}
}

func TestDecodeTwin(t *testing.T) {
	payload := []byte(`{
		"desired": {"Interval": 10, "$version": 3, "$metadata": {}},
		"reported": {"Manufacturer": "Contoso", "$version": 5}
	}`)

	twin, err := DecodeTwin(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(3), twin.Desired.Version)
	assert.JSONEq(t, "10", string(twin.Desired.Properties["Interval"]))
	assert.NotContains(t, twin.Desired.Properties, "$metadata")
	assert.Equal(t, int64(5), twin.ReportedVersion)
	assert.JSONEq(t, `"Contoso"`, string(twin.Reported["Manufacturer"]))

	_, err = DecodeTwin([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeTwin([]byte(`{"desired":{"$version":"x"}}`))
	assert.Error(t, err)
}

func TestDecodeDesired(t *testing.T) {
	patch, err := DecodeDesired([]byte(`{"Interval": 2, "$version": 7}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), patch.Version)
	assert.Len(t, patch.Properties, 1)
	assert.JSONEq(t, "2", string(patch.Properties["Interval"]))
}

func TestClientTLS(t *testing.T) {
	def := clientTLS(nil, "hub.example.net")
	assert.Equal(t, "hub.example.net", def.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), def.MinVersion)

	base := &tls.Config{MinVersion: tls.VersionTLS13}
	c := clientTLS(base, "localhost")
	assert.Equal(t, "localhost", c.ServerName)
	assert.Empty(t, base.ServerName, "base config is not modified")

	named := &tls.Config{ServerName: "override"}
	assert.Same(t, named, clientTLS(named, "localhost"))
}
