package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/assettracker/pkg/agent"
	"github.com/cuemby/assettracker/pkg/api"
	"github.com/cuemby/assettracker/pkg/config"
	"github.com/cuemby/assettracker/pkg/events"
	"github.com/cuemby/assettracker/pkg/fault"
	"github.com/cuemby/assettracker/pkg/location"
	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/metrics"
	"github.com/cuemby/assettracker/pkg/provisioning"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/transport/mqtt"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device agent",
	Long: `Run provisions the device, connects to the assigned hub and publishes
location telemetry until interrupted or until an unrecoverable error occurs.`,
	Example: `  # Group enrollment from a config file
  tracker run --config tracker.yaml

  # Device connection string from the environment
  TRACKER_CONNECTION_STRING="HostName=...;DeviceId=...;SharedAccessKey=..." tracker run`,
	RunE: runTracker,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
	runCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("json-logs", false, "Emit logs as JSON")
}

func runTracker(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("json-logs") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("json-logs")
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return err
	}
	provisioner, err := buildProvisioner(cfg, tlsConfig)
	if err != nil {
		return err
	}
	source, err := buildLocation(cfg)
	if err != nil {
		return err
	}

	dialer := mqtt.NewDialer(cfg.Device.ModelID)
	dialer.Timeout = cfg.Transport.OperationTimeout
	dialer.KeepAlive = cfg.Transport.KeepAlive
	dialer.TokenTTL = cfg.Transport.TokenTTL
	dialer.TLSConfig = tlsConfig

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	a, err := agent.New(agent.Options{
		Provisioner:      provisioner,
		Dialer:           dialer,
		Location:         source,
		Signal:           fault.NewSignal(),
		Events:           broker,
		RebootDelay:      cfg.Agent.RebootDelay,
		DefaultInterval:  cfg.Agent.DefaultInterval,
		SamplePeriod:     cfg.Agent.SamplePeriod,
		OperationTimeout: cfg.Transport.OperationTimeout,
		SDKVersion:       mqtt.SDKVersion(),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	collector := metrics.NewCollector(a, broker)
	collector.Start()
	defer collector.Stop()

	if cfg.HTTP.Addr != "" {
		hs := api.NewHealthServer(a, Version)
		go func() {
			if err := hs.Start(cfg.HTTP.Addr); err != nil {
				logger.Error().Err(err).Str("addr", cfg.HTTP.Addr).Msg("Health server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(ctx)
		}()
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("Health and metrics endpoints enabled")
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

	logger.Info().Str("version", Version).Str("model_id", cfg.Device.ModelID).Msg("Starting tracker")
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("tracker stopped on an unrecoverable error: %w", err)
	}
	return nil
}

// buildProvisioner picks static or group-enrollment provisioning from the
// configuration. An IdScope connection string carries the group key.
func buildProvisioner(cfg *config.Config, tlsConfig *tls.Config) (provisioning.Provisioner, error) {
	registrar := mqtt.NewRegistrar(cfg.Device.ProvisioningHost)
	registrar.Timeout = cfg.Transport.OperationTimeout
	registrar.TLSConfig = tlsConfig

	if cfg.Device.ConnectionString != "" {
		cs, err := config.ParseConnectionString(cfg.Device.ConnectionString)
		if err != nil {
			return nil, err
		}
		key, err := security.DecodeKey(cs.SharedAccessKey)
		if err != nil {
			return nil, err
		}
		if !cs.UsesProvisioning() {
			return &provisioning.Static{Endpoint: cs.HostName, DeviceID: cs.DeviceID, Key: key}, nil
		}
		return &provisioning.GroupEnrollment{
			GroupKey:  key,
			DeviceID:  cs.DeviceID,
			ScopeID:   cs.IDScope,
			ModelID:   cfg.Device.ModelID,
			Registrar: registrar,
		}, nil
	}

	groupKey, err := cfg.GroupKey()
	if err != nil {
		return nil, err
	}
	return &provisioning.GroupEnrollment{
		GroupKey:  groupKey,
		DeviceID:  cfg.Device.DeviceID,
		ScopeID:   cfg.Device.IDScope,
		ModelID:   cfg.Device.ModelID,
		Registrar: registrar,
	}, nil
}

func buildLocation(cfg *config.Config) (location.Source, error) {
	if cfg.Location.RouteFile == "" {
		return location.NewFixed(cfg.Location.Latitude, cfg.Location.Longitude, cfg.Location.Altitude), nil
	}
	spec, err := location.LoadRoute(cfg.Location.RouteFile)
	if err != nil {
		return nil, err
	}
	route, err := location.NewRoute(*spec)
	if err != nil {
		return nil, fmt.Errorf("invalid route %s: %w", cfg.Location.RouteFile, err)
	}
	return route, nil
}
