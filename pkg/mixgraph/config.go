package mixgraph

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool
	stopOnce           sync.Once

	reloadConsumers []chan bool

	userConfig *viper.Viper
	// explicit is set when the path came from the command line; a missing
	// file is then an error instead of a reason to use defaults
	explicit  bool
	fileFound bool

	lock    sync.Mutex
	current Config
}

type Config struct {
	Channels []ChannelConfig `mapstructure:"channels"`

	PluginDirs []string `mapstructure:"plugin_dirs"`
	StateDir   string   `mapstructure:"state_dir"`

	Helper struct {
		Binary           string        `mapstructure:"binary"`
		BindTimeout      time.Duration `mapstructure:"bind_timeout"`
		TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
	} `mapstructure:"helper"`

	Reconnect struct {
		MinBackoff time.Duration `mapstructure:"min_backoff"`
		MaxBackoff time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"reconnect"`

	Meter struct {
		Interval time.Duration `mapstructure:"interval"`
		Capacity int           `mapstructure:"capacity"`
	} `mapstructure:"meter"`

	Audio struct {
		SampleRate int `mapstructure:"sample_rate"`
		BlockSize  int `mapstructure:"block_size"`
	} `mapstructure:"audio"`

	DBus struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"dbus"`

	Notifications bool `mapstructure:"notifications"`
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeyChannels               = "channels"
	configKeyPluginDirs             = "plugin_dirs"
	configKeyStateDir               = "state_dir"
	configKeyHelperBinary           = "helper.binary"
	configKeyHelperBindTimeout      = "helper.bind_timeout"
	configKeyHelperTerminateTimeout = "helper.terminate_timeout"
	configKeyReconnectMinBackoff    = "reconnect.min_backoff"
	configKeyReconnectMaxBackoff    = "reconnect.max_backoff"
	configKeyMeterInterval          = "meter.interval"
	configKeyMeterCapacity          = "meter.capacity"
	configKeyAudioSampleRate        = "audio.sample_rate"
	configKeyAudioBlockSize         = "audio.block_size"
	configKeyDBusEnabled            = "dbus.enabled"
	configKeyNotifications          = "notifications"
)

// NewConfig prepares the config manager. An empty path searches the working
// directory and then $XDG_CONFIG_HOME/mixgraph for config.yaml.
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigType(configType)

	if path != "" {
		userConfig.SetConfigFile(path)
		cc.explicit = true
	} else {
		userConfig.SetConfigName(userConfigName)
		userConfig.AddConfigPath(userConfigPath)
		userConfig.AddConfigPath(filepath.Join(util.ConfigHome(), "mixgraph"))
	}

	setDefaults(userConfig)

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "path", path)

	return cc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(configKeyChannels, []ChannelConfig{})
	v.SetDefault(configKeyPluginDirs, []string{filepath.Join(util.DataHome(), "mixgraph", "plugins")})
	v.SetDefault(configKeyStateDir, filepath.Join(util.StateHome(), "mixgraph"))
	v.SetDefault(configKeyHelperBinary, endpoint.DefaultHelperBinary)
	v.SetDefault(configKeyHelperBindTimeout, endpoint.DefaultBindTimeout)
	v.SetDefault(configKeyHelperTerminateTimeout, endpoint.DefaultTerminateTimeout)
	v.SetDefault(configKeyReconnectMinBackoff, defaultBackoffMin)
	v.SetDefault(configKeyReconnectMaxBackoff, defaultBackoffMax)
	v.SetDefault(configKeyMeterInterval, defaultMeterInterval)
	v.SetDefault(configKeyMeterCapacity, defaultMeterCapacity)
	v.SetDefault(configKeyAudioSampleRate, defaultSampleRate)
	v.SetDefault(configKeyAudioBlockSize, defaultBlockSize)
	v.SetDefault(configKeyDBusEnabled, true)
	v.SetDefault(configKeyNotifications, true)
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "explicit", cc.explicit)

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && !cc.explicit {
			cc.logger.Infow("No config file found, using defaults", "name", userConfigFilepath)
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.describeFile()))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check mixgraphd's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.fileFound = true
	}

	current, err := cc.decode()
	if err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.lock.Lock()
	cc.current = current
	cc.lock.Unlock()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"file", cc.describeFile(),
		"channels", len(current.Channels),
		"pluginDirs", current.PluginDirs,
		"stateDir", current.StateDir,
		"helper", current.Helper.Binary)

	return nil
}

func (cc *ConfigManager) describeFile() string {
	if used := cc.userConfig.ConfigFileUsed(); used != "" {
		return used
	}
	return userConfigFilepath
}

// decode canonizes the configuration with viper's helpers and checks every
// channel entry before anything gets applied
func (cc *ConfigManager) decode() (Config, error) {
	var current Config

	err := cc.userConfig.Unmarshal(&current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
		dConf.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return Config{}, err
	}

	seen := make(map[string]bool, len(current.Channels))
	for i := range current.Channels {
		ch := &current.Channels[i]
		if err := ch.validate(); err != nil {
			return Config{}, fmt.Errorf("channel %d: %w", i, err)
		}
		if seen[ch.ID] {
			return Config{}, fmt.Errorf("channel %q is declared twice", ch.ID)
		}
		seen[ch.ID] = true

		if _, err := rulesFromConfig(ch.Rules); err != nil {
			return Config{}, fmt.Errorf("channel %q: %w", ch.ID, err)
		}
	}

	cc.logger.Debug("Populated config fields from viper")

	return current, nil
}

// Current returns the last config that loaded successfully
func (cc *ConfigManager) Current() Config {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	return cc.current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !cc.fileFound {
		cc.logger.Debug("No config file to watch")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.describeFile())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}

		now := time.Now()

		// many editors write the file twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopOnce.Do(func() {
		close(cc.stopWatcherChannel)
	})
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	// a consumer that hasn't caught up with the last reload will read the
	// newest config anyway
	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
