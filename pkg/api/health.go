package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/assettracker/pkg/fault"
	"github.com/cuemby/assettracker/pkg/metrics"
	"github.com/cuemby/assettracker/pkg/types"
)

// StatusProvider is the view of the agent served by the HTTP endpoints
type StatusProvider interface {
	State() types.AgentState
	ConnectionState() types.ConnectionState
	LastFault() string
	Interval() time.Duration
	Property() types.PropertyState
	ReportedVersion() int64
	DeviceID() string
	Signal() *fault.Signal
}

// HealthServer provides HTTP health, status and metrics endpoints
type HealthServer struct {
	agent   StatusProvider
	version string
	mux     *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// NewHealthServer creates a new health check HTTP server. agent may be nil
// until the agent is built; the server then reports not ready.
func NewHealthServer(agent StatusProvider, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		agent:   agent,
		version: version,
		mux:     mux,
	}

	mux.Handle("/health", ReadOnly(http.HandlerFunc(hs.healthHandler)))
	mux.Handle("/ready", ReadOnly(http.HandlerFunc(hs.readyHandler)))
	mux.Handle("/status", ReadOnly(http.HandlerFunc(hs.statusHandler)))
	mux.Handle("/metrics", ReadOnly(metrics.Handler()))
	mux.Handle("/live", ReadOnly(metrics.LivenessHandler()))
	mux.Handle("/health/components", ReadOnly(metrics.HealthHandler()))
	mux.Handle("/ready/components", ReadOnly(metrics.ReadyHandler()))

	return hs
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.mu.Lock()
	hs.server = server
	hs.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// PropertyStatus is the last acknowledged state of a writable property
type PropertyStatus struct {
	Value       any       `json:"value"`
	Version     int64     `json:"av"`
	Code        int       `json:"ac,omitempty"`
	Description string    `json:"ad,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// StatusResponse describes the agent
type StatusResponse struct {
	DeviceID        string         `json:"deviceId,omitempty"`
	State           string         `json:"state"`
	Connection      string         `json:"connection"`
	LastFault       string         `json:"lastFault,omitempty"`
	IntervalSeconds float64        `json:"intervalSeconds"`
	Interval        PropertyStatus `json:"interval"`
	ReportedVersion int64          `json:"reportedVersion"`
	Failed          bool           `json:"failed"`
	Error           string         `json:"error,omitempty"`
}

// healthHandler is a liveness check. It fails only once the agent has
// raised its failure signal.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
	statusCode := http.StatusOK

	if hs.agent != nil && hs.agent.Signal().Failed() {
		response.Status = "failed"
		response.Error = hs.agent.Signal().Err().Error()
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

// readyHandler reports ready while a session is connected
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if hs.agent == nil {
		checks["agent"] = "not initialized"
		checks["connection"] = "not initialized"
		ready = false
		message = "Agent not initialized"
	} else {
		state := hs.agent.State()
		checks["agent"] = string(state)
		checks["connection"] = string(hs.agent.ConnectionState())

		switch state {
		case types.AgentConnected:
		case types.AgentFailed:
			ready = false
			message = "Agent failed"
		default:
			ready = false
			message = "Waiting for session"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func (hs *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if hs.agent == nil {
		http.Error(w, "agent not initialized", http.StatusServiceUnavailable)
		return
	}

	prop := hs.agent.Property()
	response := StatusResponse{
		DeviceID:        hs.agent.DeviceID(),
		State:           string(hs.agent.State()),
		Connection:      string(hs.agent.ConnectionState()),
		LastFault:       hs.agent.LastFault(),
		IntervalSeconds: hs.agent.Interval().Seconds(),
		Interval: PropertyStatus{
			Value:     prop.Value,
			Version:   prop.AckedVersion,
			UpdatedAt: prop.UpdatedAt,
		},
		ReportedVersion: hs.agent.ReportedVersion(),
		Failed:          hs.agent.Signal().Failed(),
	}
	if prop.LastAck != nil {
		response.Interval.Code = prop.LastAck.Code
		response.Interval.Description = prop.LastAck.Description
	}
	if err := hs.agent.Signal().Err(); err != nil {
		response.Error = err.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
