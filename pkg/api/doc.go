/*
Package api serves the local HTTP endpoints of the tracker.

	GET /health    liveness; 503 once the failure signal is raised
	GET /ready     200 while a session is connected
	GET /status    device id, states, last fault, Interval ack
	GET /metrics   Prometheus exposition
	GET /live      200 while the process runs

	GET /health/components   per-component health from the collector
	GET /ready/components    readiness of the session and location source

All endpoints are read-only; other methods get 405 from the ReadOnly
middleware.

	hs := api.NewHealthServer(agent, version)
	go hs.Start(":9090")
	defer hs.Shutdown(ctx)
*/
package api
