package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/itohio/goert/pkg/config"
	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/monitor"
	"github.com/itohio/goert/pkg/mux"
	"github.com/itohio/goert/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// monitorWindow is how far back the live summary looks.
	monitorWindow = time.Hour
	feedBuffer    = 64
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Mock       bool
	Port       string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ert",
		Short: "Electrical resistivity tomography acquisition",
		Long: `ert drives a multiplexed resistivity meter: it switches electrode
quadruples through the relay boards, injects current, and stores the
measured transfer resistances in SQLite.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "configuration file path")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().BoolVar(&opts.Mock, "mock", false, "use the simulated board instead of the serial port")
	cmd.PersistentFlags().StringVarP(&opts.Port, "port", "p", "", "serial port override (e.g., COM3 or /dev/ttyACM0)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPortsCommand())
	cmd.AddCommand(newAddressesCommand(opts))
	cmd.AddCommand(newRecordsCommand(opts))

	return cmd
}

// loadConfig reads the configuration and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Port != "" {
		cfg.Serial.Port = o.Port
	}
	return cfg, nil
}

func newLogger(level string, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// app is the assembled acquisition chain.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	device hw.Device
	table  *mux.Table
	engine *engine.Engine
	router *store.Router
	meter  *monitor.Meter
	feed   *monitor.Feed
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log.Level, opts.Verbose)
	if err != nil {
		return nil, err
	}

	table, err := mux.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build address table: %w", err)
	}

	var device hw.Device
	if opts.Mock {
		device = hw.NewMock(cfg)
	} else {
		device = hw.New(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.Timeout, logger)
	}
	if err := device.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	icfg, err := inject.ConfigFrom(cfg)
	if err != nil {
		device.Close()
		return nil, err
	}
	ctrl, err := inject.New(icfg, device, inject.SystemClock{}, logger)
	if err != nil {
		device.Close()
		return nil, err
	}

	router := store.NewRouter(cfg.Acquisition.ExportPath, logger)
	feed := monitor.NewFeed(feedBuffer)
	meter := monitor.New(monitorWindow)
	meter.OnUpdate(func(_ []monitor.Entry, s monitor.Summary) {
		logger.Debug("summary",
			zap.Int("total", s.Total),
			zap.Int("ok", s.OK),
			zap.Int("failed", s.Failed),
			zap.Float64("last_resistance", s.LastResistance),
		)
	})

	eng, err := engine.New(engine.Options{
		Table:          table,
		Relays:         device,
		Measurer:       ctrl,
		Sink:           engine.MultiSink{router, feed},
		Logger:         logger,
		Settings:       engine.SettingsFrom(cfg),
		MaxElectrodes:  cfg.MaxElectrodes,
		PowerSupply:    cfg.Injection.PowerSupply == config.PowerSupply,
		FullWaveform:   cfg.Acquisition.FullWaveform,
		WaveformPoints: cfg.Acquisition.WaveformPoints,
	})
	if err != nil {
		device.Close()
		return nil, err
	}

	if cfg.Acquisition.SequenceFile != "" {
		seq, err := engine.LoadSequence(cfg.Acquisition.SequenceFile)
		if err != nil {
			eng.Close()
			device.Close()
			return nil, err
		}
		eng.SetSequence(seq)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		device: device,
		table:  table,
		engine: eng,
		router: router,
		meter:  meter,
		feed:   feed,
	}, nil
}

// watch feeds stored records to the meter until the feed is closed.
func (a *app) watch() {
	a.meter.ProcessRecords(a.feed.Records())
}

// startMonitor runs watch in the background. stop closes the feed and
// waits for the meter to drain it; call it once the engine is idle.
func (a *app) startMonitor() (stop func()) {
	done := make(chan struct{})
	go func() {
		a.watch()
		close(done)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.feed.Close()
			<-done
		})
	}
}

// Close stops the engine, then releases the feed, the board and the stores.
func (a *app) Close() error {
	a.engine.Close()
	a.feed.Close()
	if err := a.device.Close(); err != nil {
		a.logger.Warn("failed to close device", zap.Error(err))
	}
	err := a.router.Close()
	_ = a.logger.Sync()
	return err
}
