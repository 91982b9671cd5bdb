package hubsim

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/DrmagicE/gmqtt"
)

// Server runs the MQTT broker with the hub plugin and the REST API
type Server struct {
	hub    *Hub
	plugin *plugin
	mqttLn net.Listener
	httpLn net.Listener
	http   *http.Server
}

// NewServer listens on mqttAddr and httpAddr. Serving starts with Run.
func NewServer(opts Options, mqttAddr, httpAddr string) (*Server, error) {
	var mqttLn net.Listener
	var err error
	if opts.TLSConfig != nil {
		mqttLn, err = tls.Listen("tcp", mqttAddr, opts.TLSConfig)
	} else {
		mqttLn, err = net.Listen("tcp", mqttAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", mqttAddr, err)
	}
	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		mqttLn.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}

	p := &plugin{}
	hub := NewHub(opts, p)
	p.hub = hub

	return &Server{
		hub:    hub,
		plugin: p,
		mqttLn: mqttLn,
		httpLn: httpLn,
		http: &http.Server{
			Handler:      NewRouter(hub),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}, nil
}

// Hub returns the emulated hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// MQTTAddr returns the address the broker listens on
func (s *Server) MQTTAddr() string {
	return s.mqttLn.Addr().String()
}

// HTTPAddr returns the address the REST API listens on
func (s *Server) HTTPAddr() string {
	return s.httpLn.Addr().String()
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	broker := gmqtt.NewServer(
		gmqtt.WithTCPListener(s.mqttLn),
		gmqtt.WithPlugin(s.plugin),
	)
	broker.Run()
	s.hub.logger.Info().Str("mqtt", s.MQTTAddr()).Str("http", s.HTTPAddr()).Msg("Hub emulator started")

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.hub.logger.Warn().Err(err).Msg("REST API did not shut down cleanly")
	}
	if err := broker.Stop(shutdownCtx); err != nil {
		s.hub.logger.Warn().Err(err).Msg("Broker did not stop cleanly")
	}
	s.hub.logger.Info().Msg("Hub emulator stopped")
	return runErr
}
