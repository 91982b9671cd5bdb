package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/assettracker/pkg/hubsim"
	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tracker-hub",
	Short: "Local IoT hub and provisioning emulator for tracker development",
	Long: `tracker-hub runs an MQTT broker that answers device registration, twin
and direct method traffic the way the cloud hub does, plus a REST API to
drive devices:

  GET    /devices
  DELETE /devices/{id}
  GET    /devices/{id}/twin
  PATCH  /devices/{id}/twin/desired
  POST   /devices/{id}/methods/{name}
  GET    /devices/{id}/telemetry`,
	Example: `  # Accept any device
  tracker-hub

  # Verify device signatures against an enrollment group key
  tracker-hub --group-key <base64>

  # TLS on 8883; devices trust hub-certs/ca.crt
  tracker-hub --tls --mqtt-addr :8883 --assigned-hub ssl://localhost:8883

  # Set the telemetry interval of a device to 2 seconds
  curl -X PATCH localhost:8080/devices/tracker-01/twin/desired -d '{"Interval":2}'`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runHub,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tracker-hub version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("mqtt-addr", ":1883", "MQTT listen address")
	rootCmd.Flags().String("http-addr", ":8080", "REST API listen address")
	rootCmd.Flags().String("assigned-hub", "tcp://localhost:1883", "Hub endpoint returned to registering devices")
	rootCmd.Flags().String("group-key", "", "Enrollment group key (base64); empty accepts any device")
	rootCmd.Flags().Int("retry-after", 0, "Seconds announced to devices while a registration is pending")
	rootCmd.Flags().String("data-dir", "", "Directory persisting device twins; empty keeps them in memory")
	rootCmd.Flags().Bool("tls", false, "Serve MQTT over TLS with a locally generated certificate")
	rootCmd.Flags().String("cert-dir", "hub-certs", "Directory holding the hub certificate and its CA")
	rootCmd.Flags().StringSlice("tls-hosts", []string{"localhost", "127.0.0.1"}, "Host names and IPs in the hub certificate")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("json-logs", false, "Emit logs as JSON")
}

func runHub(cmd *cobra.Command, args []string) error {
	mqttAddr, _ := cmd.Flags().GetString("mqtt-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	assignedHub, _ := cmd.Flags().GetString("assigned-hub")
	groupKey, _ := cmd.Flags().GetString("group-key")
	retryAfter, _ := cmd.Flags().GetInt("retry-after")
	logLevel, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	log.Init(log.Config{
		Level:      log.ParseLevel(logLevel),
		JSONOutput: jsonLogs,
	})
	logger := log.WithComponent("main")

	opts := hubsim.Options{
		AssignedHub: assignedHub,
		RetryAfter:  retryAfter,
	}
	if groupKey != "" {
		key, err := security.DecodeKey(groupKey)
		if err != nil {
			return fmt.Errorf("invalid group key: %w", err)
		}
		opts.GroupKey = key
	} else {
		logger.Warn().Msg("No group key set, every device connection is accepted")
	}

	if useTLS, _ := cmd.Flags().GetBool("tls"); useTLS {
		certDir, _ := cmd.Flags().GetString("cert-dir")
		hosts, _ := cmd.Flags().GetStringSlice("tls-hosts")
		cert, err := security.EnsureServerCertificate(certDir, hosts)
		if err != nil {
			return fmt.Errorf("failed to prepare hub certificate: %w", err)
		}
		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		}
		logger.Info().
			Str("ca_file", filepath.Join(certDir, security.CACertFile)).
			Time("expires", cert.Leaf.NotAfter).
			Msg("Serving MQTT over TLS, point transport.ca_file at the CA")
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
		logger.Info().Str("data_dir", dataDir).Msg("Persisting device twins")
	}

	server, err := hubsim.NewServer(opts, mqttAddr, httpAddr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return server.Run(ctx)
}
