package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kronoterm_gateway/internal/catalog"
	"kronoterm_gateway/internal/config"
	"kronoterm_gateway/internal/features"
	"kronoterm_gateway/internal/history"
	"kronoterm_gateway/internal/liveview"
	"kronoterm_gateway/internal/logging"
	"kronoterm_gateway/internal/reload"
	"kronoterm_gateway/internal/service"
	"kronoterm_gateway/internal/transport"
	"kronoterm_gateway/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		if err := checkConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration check completed successfully.")
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, cfg); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("gateway stopped with error")
		}
		return
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("gateway stopped with error")
	}
}

// run builds the full gateway from one configuration and polls until the
// context is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer cleanup()
	log.Logger = logger

	cat, err := buildCatalog(cfg)
	if err != nil {
		return fmt.Errorf("build register catalog: %w", err)
	}

	driver, err := buildDriver(cfg, logger)
	if err != nil {
		return fmt.Errorf("build transport driver: %w", err)
	}

	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path, cfg.History.Retention.Duration, logger)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close()
	}

	opts := service.Options{
		Logger:           logger,
		Collector:        collector,
		Interval:         cfg.PollInterval(),
		FailureThreshold: cfg.Polling.FailureThreshold,
		Rules:            featureRules(cfg),
	}
	if store != nil {
		opts.Recorder = store
	}
	engine, err := service.New(cat, driver, opts)
	if err != nil {
		return fmt.Errorf("create acquisition engine: %w", err)
	}
	defer engine.Close()

	if cfg.Server.Enabled {
		server, err := liveview.New(cfg.Server.Listen, engine, store, logger)
		if err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Close(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("http server shutdown failed")
			}
		}()
	}

	return engine.Run(ctx)
}

// runWithHotReload restarts the gateway whenever the configuration file or
// the catalog overlay changes on disk. A reload that fails validation is
// logged and ignored; the running instance stays up.
func runWithHotReload(ctx context.Context, cfgPath string, cfg *config.Config) error {
	watcher, err := reload.NewWatcher(cfgPath, cfg.Catalog.OverlayPath)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- run(runCtx, cfg)
		}()

		reloaded := false
		for !reloaded {
			select {
			case <-ctx.Done():
				cancelRun()
				<-errCh
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil || len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					log.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := checkConfig(newCfg); err != nil {
					log.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				log.Info().Strs("files", changes).Msg("configuration changed, restarting")
				cancelRun()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("gateway stopped during reload")
				}
				if err := watcher.Update(cfgPath, newCfg.Catalog.OverlayPath); err != nil {
					log.Error().Err(err).Msg("failed to update watcher state")
				}
				cfg = newCfg
				reloaded = true
			}
		}
	}
}

func checkConfig(cfg *config.Config) error {
	if _, err := buildCatalog(cfg); err != nil {
		return err
	}
	if _, err := features.NewDeriver(featureRules(cfg), zerolog.Nop()); err != nil {
		return err
	}
	return nil
}

func buildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.OverlayPath == "" {
		return catalog.Default()
	}
	overlay, err := catalog.LoadOverlay(cfg.Catalog.OverlayPath)
	if err != nil {
		return nil, err
	}
	return catalog.NewWithOverlay(catalog.DefaultDefinitions(), overlay)
}

func buildDriver(cfg *config.Config, logger zerolog.Logger) (transport.Driver, error) {
	retry := retryPolicy(cfg.Device.Retry)
	switch strings.ToLower(cfg.Device.Transport) {
	case config.TransportModbus:
		return transport.NewModbusDriver(transport.ModbusConfig{
			Address:      cfg.Device.Modbus.Address,
			UnitID:       cfg.Device.Modbus.UnitID,
			Timeout:      cfg.Device.Modbus.Timeout.Duration,
			MaxBatchSize: uint16(cfg.Device.Modbus.MaxBatchSize),
			MaxGap:       uint16(cfg.Device.Modbus.MaxGap),
			Retry:        retry,
		}, transport.NewTCPClientFactory(), logger), nil
	case config.TransportCloud:
		return transport.NewCloudDriver(transport.CloudConfig{
			BaseURL:  cfg.Device.Cloud.BaseURL,
			Username: cfg.Device.Cloud.Username,
			Password: cfg.Device.Cloud.Password,
			Timeout:  cfg.Device.Cloud.Timeout.Duration,
			Retry:    retry,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Device.Transport)
	}
}

func retryPolicy(cfg config.RetryConfig) transport.Policy {
	policy := transport.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay.Duration > 0 {
		policy.BaseDelay = cfg.BaseDelay.Duration
	}
	if cfg.MaxDelay.Duration > 0 {
		policy.MaxDelay = cfg.MaxDelay.Duration
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	return policy
}

func featureRules(cfg *config.Config) []features.Rule {
	rules := make([]features.Rule, 0, len(cfg.Features))
	for _, rule := range cfg.Features {
		rules = append(rules, features.Rule{Flag: rule.Flag, Expression: rule.Expression})
	}
	return rules
}
