// Package mixgraph provides a daemon that routes and mixes per-application
// audio on a running PipeWire graph through virtual mixing channels.
package mixgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/server"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/util"
)

const mutexName = "mixgraphd"

// Daemon is the main entity managing all subcomponents
type Daemon struct {
	logger    *zap.SugaredLogger
	notifier  *ToastNotifier
	configMan *ConfigManager

	server    *server.Server
	endpoints *endpoint.Manager
	host      *plugins.Host
	bus       *EventBus
	meters    *meterForwarder
	loop      *GraphLoop
	control   *controlService

	reloads     chan bool
	mutexPath   string
	stopChannel chan bool
	version     string
	verbose     bool
}

func NewDaemon(logger *zap.SugaredLogger, verbose bool, configPath string) (*Daemon, error) {
	logger = logger.Named("mixgraph")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Daemon{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created mixgraph instance")

	return d, nil
}

// build creates the components that depend on the loaded config
func (d *Daemon) build(cfg Config) error {
	d.notifier.SetEnabled(cfg.Notifications)

	endpoints, err := endpoint.NewManager(d.logger, endpoint.Config{
		Binary:           cfg.Helper.Binary,
		BindTimeout:      cfg.Helper.BindTimeout,
		TerminateTimeout: cfg.Helper.TerminateTimeout,
		StateDir:         cfg.StateDir,
	})
	if err != nil {
		d.logger.Errorw("Failed to create endpoint manager", "error", err)
		return fmt.Errorf("create new endpoint manager: %w", err)
	}

	d.endpoints = endpoints
	d.server = server.New(d.logger)
	d.host = plugins.NewHost(d.logger, cfg.PluginDirs)
	d.bus = NewEventBus(d.logger)
	d.meters = newMeterForwarder(d.logger, d.bus, cfg.Meter.Interval)

	d.loop = newGraphLoop(d.logger, LoopConfig{
		BackoffMin:    cfg.Reconnect.MinBackoff,
		BackoffMax:    cfg.Reconnect.MaxBackoff,
		SampleRate:    cfg.Audio.SampleRate,
		BlockSize:     cfg.Audio.BlockSize,
		MeterCapacity: cfg.Meter.Capacity,
	}, loopParts{
		server:    d.server,
		endpoints: d.endpoints,
		routes:    routing.NewEngine(d.logger),
		host:      d.host,
		bus:       d.bus,
		meters:    d.meters,
		states:    newStateStore(d.logger, afero.NewOsFs(), cfg.StateDir),
	})

	if cfg.DBus.Enabled {
		d.control = newControlService(d, d.logger)
		d.control.notifier = d.notifier
		d.control.backoffMin = cfg.Reconnect.MinBackoff
		d.control.backoffMax = cfg.Reconnect.MaxBackoff
	}

	return nil
}

// Initialize sets up components and runs until interrupted
func (d *Daemon) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	cfg := d.configMan.Current()

	if err := util.EnsureDirExists(cfg.StateDir); err != nil {
		d.logger.Errorw("Failed to create state directory", "error", err)
		return fmt.Errorf("create state dir: %w", err)
	}

	d.mutexPath = filepath.Join(cfg.StateDir, mutexName)
	if err := util.CreateMutex(d.mutexPath); err != nil {
		d.logger.Errorw("Failed to take instance lock", "error", err)
		return fmt.Errorf("take instance lock: %w", err)
	}

	if err := d.build(cfg); err != nil {
		_ = util.ReleaseMutex(d.mutexPath)
		return err
	}

	// helpers from a run that didn't shut down cleanly
	if err := d.endpoints.Reconcile(); err != nil {
		d.logger.Warnw("Leftover helpers may still be running", "error", err)
	}

	if err := d.endpoints.CheckHelper(); err != nil {
		d.notifier.Notify("Can't find the loopback helper!",
			fmt.Sprintf("Channels won't get endpoints until %s is installed.", cfg.Helper.Binary))
	}

	d.host.Discover()

	d.reloads = d.configMan.SubscribeToChanges()

	d.setupInterruptHandler()

	d.run(cfg)

	return nil
}

// SetVersion records the version string reported over D-Bus
func (d *Daemon) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether mixgraphd is running in verbose mode
func (d *Daemon) Verbose() bool {
	return d.verbose
}

func (d *Daemon) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Daemon) run(cfg Config) {
	d.logger.Info("Run loop starting")

	ctx, cancel := context.WithCancel(context.Background())

	var wg conc.WaitGroup

	wg.Go(func() {
		defer d.recoverFromPanic()
		d.loop.Run(ctx)
	})
	wg.Go(func() {
		defer d.recoverFromPanic()
		d.meters.run(ctx)
	})
	wg.Go(d.configMan.WatchConfigFileChanges)
	wg.Go(func() {
		defer d.recoverFromPanic()
		d.watchReloads(ctx)
	})

	if d.control != nil {
		wg.Go(func() {
			defer d.recoverFromPanic()
			d.control.run(ctx)
		})
	}

	d.applyChannels(ctx, cfg.Channels)

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	cancel()
	d.configMan.StopWatchingConfigFile()
	wg.Wait()

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop mixgraph", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Daemon) applyChannels(ctx context.Context, channels []ChannelConfig) {
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		return l.applyConfig(ctx, channels)
	})
	if err != nil {
		d.logger.Warnw("Failed to apply configured channels", "error", err)
		d.notifier.Notify("Some channels could not be set up", err.Error())
	}
}

func (d *Daemon) watchReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reloads:
			cfg := d.configMan.Current()
			d.notifier.SetEnabled(cfg.Notifications)
			d.applyChannels(ctx, cfg.Channels)
		}
	}
}

func (d *Daemon) signalStop() {
	d.logger.Debug("Signalling stop channel")

	select {
	case d.stopChannel <- true:
	default:
	}
}

func (d *Daemon) stop() error {
	d.logger.Info("Stopping")

	var errs error

	d.bus.Close()

	if err := d.server.Close(); err != nil {
		d.logger.Warnw("Failed to close audio server connection", "error", err)
		errs = multierr.Append(errs, fmt.Errorf("close audio server: %w", err))
	}

	if err := util.ReleaseMutex(d.mutexPath); err != nil {
		d.logger.Warnw("Failed to release instance lock", "error", err)
		errs = multierr.Append(errs, err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return errs
}
