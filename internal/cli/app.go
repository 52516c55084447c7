package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/devq/internal/config"
	"github.com/harun/devq/internal/logger"
	"github.com/harun/devq/internal/observability"
	"github.com/harun/devq/internal/tracing"
	"github.com/harun/devq/pkg/commandqueue"
	"github.com/harun/devq/pkg/device"
	"github.com/harun/devq/pkg/hooks"
)

// app is the runtime shared by commands that execute scripts.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	registry   *device.Registry
	dispatcher *commandqueue.Dispatcher
	hooks      *hooks.Manager
}

// loadConfig loads the config file and applies the --log-level flag when
// it was set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q", logLevel)
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
		Output:  cmd.ErrOrStderr(),
	})
}

// setup builds the logger, tracing, audit log, device registry and
// dispatcher from the config. The dispatcher is not started.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			Writer:      cmd.ErrOrStderr(),
		}); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.Audit.File != "" {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	} else {
		observability.SetAuditLogger(observability.NewAuditLogger(io.Discard))
	}

	registry, err := buildRegistry(cfg, log.GetZerolog())
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	zl := log.GetZerolog()
	dispatcher := commandqueue.NewDispatcher(commandqueue.Options{
		Logger:               &zl,
		DedupTTL:             cfg.Dispatcher.DedupTTL,
		SlowCommandThreshold: cfg.Dispatcher.SlowCommandThreshold,
		DeadLetterCapacity:   cfg.Dispatcher.DeadLetterCapacity,
	})

	hookList := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		hookList = append(hookList, hooks.Hook{ID: h.ID, Event: h.Event, Script: h.Script, Timeout: h.Timeout})
	}
	hookManager, err := hooks.NewManager(hooks.Config{Hooks: hookList, Logger: zl})
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	hookManager.Attach(dispatcher)

	return &app{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		dispatcher: dispatcher,
		hooks:      hookManager,
	}, nil
}

// start launches the hook runner and the dispatcher worker.
func (a *app) start(ctx context.Context) error {
	a.hooks.Start(ctx)
	return a.dispatcher.Start(ctx)
}

// buildRegistry creates the simulated devices named in the config.
func buildRegistry(cfg *config.Config, log zerolog.Logger) (*device.Registry, error) {
	reg := device.NewRegistry()
	for _, dc := range cfg.Devices {
		var d device.Switchable
		switch device.Type(dc.Type) {
		case device.TypeDisplay:
			d = device.NewDisplay(dc.Name, log)
		case device.TypeLab:
			opts := []device.LabOption{
				device.WithMeasureLatency(dc.MeasureLatency),
				device.WithFaultyProtocols(dc.FaultyProtocols...),
			}
			if dc.PowerInterlock {
				opts = append(opts, device.WithPowerInterlock())
			}
			d = device.NewLabDevice(dc.Name, log, opts...)
		default:
			return nil, fmt.Errorf("device %q: unknown type %q", dc.Name, dc.Type)
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// stop stops the dispatcher, then the hook runner, within the configured
// stop timeout.
func (a *app) stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, a.cfg.Dispatcher.StopTimeout)
	defer cancel()
	return errors.Join(a.dispatcher.Stop(stopCtx), a.hooks.Stop(stopCtx))
}

// close flushes spans and closes the audit and log files.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Dispatcher.StopTimeout)
	defer cancel()

	return errors.Join(
		tracing.ShutdownOpenTelemetry(ctx),
		observability.GetAuditLogger().Close(),
		a.log.Close(),
	)
}
