package hubsim

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// DefaultMethodTimeout bounds a direct method call made through the API
const DefaultMethodTimeout = 30 * time.Second

// NewRouter returns the REST API of the hub:
//
//	GET   /devices
//	DELETE /devices/{device_id}
//	GET   /devices/{device_id}/twin
//	PATCH /devices/{device_id}/twin/desired
//	POST  /devices/{device_id}/methods/{name}[?timeout=<seconds>]
//	GET   /devices/{device_id}/telemetry
func NewRouter(hub *Hub) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Devices())
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		twin, err := hub.Twin(mux.Vars(r)["device_id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, twin)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.RemoveDevice(mux.Vars(r)["device_id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/devices/{device_id}/twin/desired", func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "invalid desired patch: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(patch) == 0 {
			http.Error(w, "empty desired patch", http.StatusBadRequest)
			return
		}
		version, err := hub.SetDesired(mux.Vars(r)["device_id"], patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"$version": version})
	}).Methods(http.MethodPatch)

	router.HandleFunc("/devices/{device_id}/methods/{name}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)

		timeout := DefaultMethodTimeout
		if s := r.URL.Query().Get("timeout"); s != "" {
			secs, err := strconv.Atoi(s)
			if err != nil || secs <= 0 {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
			timeout = time.Duration(secs) * time.Second
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(payload) > 0 && !json.Valid(payload) {
			http.Error(w, "method payload must be JSON", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		result, err := hub.InvokeMethod(ctx, params["device_id"], params["name"], payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodPost)

	router.HandleFunc("/devices/{device_id}/telemetry", func(w http.ResponseWriter, r *http.Request) {
		records, err := hub.Telemetry(mux.Vars(r)["device_id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}).Methods(http.MethodGet)

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonData, _ := json.MarshalIndent(v, "", " ")
	w.Write(jsonData)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
