//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/assettracker/pkg/agent"
	"github.com/cuemby/assettracker/pkg/fault"
	"github.com/cuemby/assettracker/pkg/hubsim"
	"github.com/cuemby/assettracker/pkg/location"
	"github.com/cuemby/assettracker/pkg/provisioning"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/transport/mqtt"
	"github.com/cuemby/assettracker/pkg/types"
)

const deviceID = "tracker-it-01"

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startHub(t *testing.T, groupKey []byte) *hubsim.Server {
	t.Helper()
	mqttAddr := freeAddr(t)
	return runHub(t, hubsim.Options{
		AssignedHub: "tcp://" + mqttAddr,
		GroupKey:    groupKey,
	}, mqttAddr)
}

func runHub(t *testing.T, opts hubsim.Options, mqttAddr string) *hubsim.Server {
	t.Helper()
	server, err := hubsim.NewServer(opts, mqttAddr, "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return server
}

func hubRequest(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// TestTrackerEndToEnd walks a device through the full lifecycle against the
// hub emulator: register → connect → sync interval → telemetry → reboot
func TestTrackerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	groupKey := []byte("integration-group-key")
	server := startHub(t, groupKey)
	api := "http://" + server.HTTPAddr()

	// the twin carries an interval before the device ever connects
	server.Hub().Seen(deviceID)
	_, err := server.Hub().SetDesired(deviceID, map[string]json.RawMessage{"Interval": json.RawMessage("1")})
	require.NoError(t, err)

	registrar := mqtt.NewRegistrar("tcp://" + server.MQTTAddr())
	registrar.PollInterval = 100 * time.Millisecond

	a, err := agent.New(agent.Options{
		Provisioner: &provisioning.GroupEnrollment{
			GroupKey:  groupKey,
			DeviceID:  deviceID,
			ScopeID:   "0ne-integration",
			ModelID:   types.ModelID,
			Registrar: registrar,
		},
		Dialer:       mqtt.NewDialer(types.ModelID),
		Location:     location.NewFixed(47.6062, -122.3321, 56),
		Signal:       fault.NewSignal(),
		RebootDelay:  500 * time.Millisecond,
		SamplePeriod: 100 * time.Millisecond,
		SDKVersion:   mqtt.SDKVersion(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-runErr)
	}()

	t.Log("Step 1: Waiting for registration and session...")
	require.Eventually(t, func() bool {
		return a.State() == types.AgentConnected
	}, 15*time.Second, 50*time.Millisecond)
	t.Log("✓ Device connected")

	t.Log("Step 2: Checking initial interval acknowledgement...")
	require.Eventually(t, func() bool {
		return a.Interval() == time.Second && a.ReportedVersion() > 0
	}, 5*time.Second, 50*time.Millisecond)

	status, body := hubRequest(t, http.MethodGet, api+"/devices/"+deviceID+"/twin", nil)
	require.Equal(t, http.StatusOK, status)
	var twin hubsim.TwinDocument
	require.NoError(t, json.Unmarshal(body, &twin))
	var ack types.PropertyAck
	require.NoError(t, json.Unmarshal(twin.Reported["Interval"], &ack))
	assert.Equal(t, 200, ack.Code)
	assert.Equal(t, "Ack initial cloud value", ack.Description)
	t.Log("✓ Initial cloud value acknowledged")

	t.Log("Step 3: Waiting for telemetry...")
	require.Eventually(t, func() bool {
		status, body := hubRequest(t, http.MethodGet, api+"/devices/"+deviceID+"/telemetry", nil)
		if status != http.StatusOK {
			return false
		}
		var records []hubsim.TelemetryRecord
		if json.Unmarshal(body, &records) != nil || len(records) == 0 {
			return false
		}
		last := records[len(records)-1]
		return last.ContentType == "application/json" && bytes.Contains(last.Body, []byte(`"Location"`))
	}, 10*time.Second, 200*time.Millisecond)
	t.Log("✓ Telemetry received")

	t.Log("Step 4: Patching desired interval...")
	status, body = hubRequest(t, http.MethodPatch, api+"/devices/"+deviceID+"/twin/desired", map[string]any{"Interval": 2})
	require.Equal(t, http.StatusOK, status, string(body))
	require.Eventually(t, func() bool {
		return a.Interval() == 2*time.Second
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		p := a.Property()
		return p.LastAck != nil && p.LastAck.Description == "Updated completed"
	}, 5*time.Second, 50*time.Millisecond)
	t.Log("✓ Interval updated")

	t.Log("Step 5: Invoking an unknown command...")
	status, body = hubRequest(t, http.MethodPost, api+"/devices/"+deviceID+"/methods/SelfDestruct?timeout=5s", map[string]any{})
	require.Equal(t, http.StatusOK, status, string(body))
	var result hubsim.MethodResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, http.StatusNotFound, result.Status)
	t.Log("✓ Unknown command rejected")

	t.Log("Step 6: Rebooting the device...")
	status, body = hubRequest(t, http.MethodPost, api+"/devices/"+deviceID+"/methods/Reboot?timeout=5s", map[string]any{})
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, http.StatusOK, result.Status)

	require.Eventually(t, func() bool {
		return a.State() != types.AgentConnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.State() == types.AgentConnected
	}, 15*time.Second, 50*time.Millisecond)
	assert.False(t, a.Signal().Failed())
	t.Logf("✓ Device back online with interval %s", a.Interval())
}

// TestTrackerRejectedWithWrongKey checks that a device holding the wrong
// group key never reaches a session and raises the failure signal
func TestTrackerRejectedWithWrongKey(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	server := startHub(t, []byte("integration-group-key"))

	registrar := mqtt.NewRegistrar("tcp://" + server.MQTTAddr())
	registrar.Timeout = 3 * time.Second

	signal := fault.NewSignal()
	a, err := agent.New(agent.Options{
		Provisioner: &provisioning.GroupEnrollment{
			GroupKey:  []byte("some-other-key"),
			DeviceID:  deviceID,
			ScopeID:   "0ne-integration",
			Registrar: registrar,
		},
		Dialer:   mqtt.NewDialer(types.ModelID),
		Location: location.NewFixed(0, 0, 0),
		Signal:   signal,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err = a.Run(ctx)
	require.Error(t, err)
	assert.True(t, signal.Failed())
	assert.Equal(t, types.AgentFailed, a.State())
}

// TestTrackerOverTLS connects through a TLS listener whose certificate is
// issued by a freshly generated local CA
func TestTrackerOverTLS(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	certDir := t.TempDir()
	cert, err := security.EnsureServerCertificate(certDir, []string{"localhost", "127.0.0.1"})
	require.NoError(t, err)

	mqttAddr := freeAddr(t)
	server := runHub(t, hubsim.Options{
		AssignedHub: "ssl://" + mqttAddr,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		},
	}, mqttAddr)

	pool, err := security.LoadCAPool(filepath.Join(certDir, security.CACertFile))
	require.NoError(t, err)
	clientTLS := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}

	registrar := mqtt.NewRegistrar("ssl://" + server.MQTTAddr())
	registrar.TLSConfig = clientTLS
	registrar.PollInterval = 100 * time.Millisecond
	dialer := mqtt.NewDialer(types.ModelID)
	dialer.TLSConfig = clientTLS

	a, err := agent.New(agent.Options{
		Provisioner: &provisioning.GroupEnrollment{
			GroupKey:  []byte("any-key"),
			DeviceID:  deviceID,
			ScopeID:   "0ne-integration",
			Registrar: registrar,
		},
		Dialer:   dialer,
		Location: location.NewFixed(1, 2, 3),
		Signal:   fault.NewSignal(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.State() == types.AgentConnected
	}, 15*time.Second, 50*time.Millisecond)
	t.Log("✓ Device connected over TLS")

	cancel()
	assert.NoError(t, <-runErr)
}
