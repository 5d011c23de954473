package types

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultOwnerShards is the default number of partitions of the owner
	// registry.
	DefaultOwnerShards = 256
	// DefaultLogLevel is the default logrus level used by the command line
	// tool.
	DefaultLogLevel = "error"
	// DefaultMetricsNamespace prefixes every exported metric name.
	DefaultMetricsNamespace = "containers"
)

var (
	defaultConfigFile = "/etc/containers/rangelock.conf"
	// ErrInvalidOption is returned for configuration values which cannot be
	// used.
	ErrInvalidOption = errors.New("invalid rangelock option")
)

// ManagerOptions configures a lock manager.
type ManagerOptions struct {
	// OwnerShards is the number of partitions of the owner registry.  It is
	// rounded up to a power of two.
	OwnerShards int `json:"owner_shards,omitempty"`
	// Verify checks every invariant after each operation and panics if one
	// does not hold.  It is meant for testing.
	Verify bool `json:"verify,omitempty"`
	// LogLevel is the logrus level name used by the command line tool.
	LogLevel string `json:"log_level,omitempty"`
	// MetricsNamespace prefixes the names of exported metrics.
	MetricsNamespace string `json:"metrics_namespace,omitempty"`
}

type tomlOptionsConfig struct {
	OwnerShards      int    `toml:"owner_shards,omitempty"`
	Verify           *bool  `toml:"verify,omitempty"`
	LogLevel         string `toml:"log_level,omitempty"`
	MetricsNamespace string `toml:"metrics_namespace,omitempty"`
}

// TomlConfig is the layout of the configuration file.
type TomlConfig struct {
	RangeLock tomlOptionsConfig `toml:"rangelock"`
}

// DefaultManagerOptions returns the built-in defaults, without reading any
// configuration file.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		OwnerShards:      DefaultOwnerShards,
		LogLevel:         DefaultLogLevel,
		MetricsNamespace: DefaultMetricsNamespace,
	}
}

// DefaultConfigFile returns the path of the configuration file: the value
// of $RANGELOCK_CONF if it is set, or /etc/containers/rangelock.conf.
func DefaultConfigFile() string {
	if path, ok := os.LookupEnv("RANGELOCK_CONF"); ok {
		return path
	}
	return defaultConfigFile
}

// Options returns the defaults overridden by the default configuration
// file, if there is one.
func Options() (ManagerOptions, error) {
	options := DefaultManagerOptions()
	if err := ReloadConfigurationFileIfNeeded(DefaultConfigFile(), &options); err != nil {
		return options, err
	}
	return options, nil
}

// ReloadConfigurationFile parses the specified configuration file and
// overrides the configuration in options.  A missing file is not an error.
func ReloadConfigurationFile(configFile string, options *ManagerOptions) error {
	config := new(TomlConfig)

	meta, err := toml.DecodeFile(configFile, &config)
	if err == nil {
		keys := meta.Undecoded()
		if len(keys) > 0 {
			logrus.Warningf("Failed to decode the keys %q from %q", keys, configFile)
		}
	} else {
		if !os.IsNotExist(err) {
			logrus.Warningf("Failed to read %s %v\n", configFile, err.Error())
			return err
		}
		return nil
	}

	if config.RangeLock.OwnerShards != 0 {
		if config.RangeLock.OwnerShards < 0 {
			return fmt.Errorf("owner_shards %d in %q: %w", config.RangeLock.OwnerShards, configFile, ErrInvalidOption)
		}
		options.OwnerShards = 1 << bits.Len(uint(config.RangeLock.OwnerShards-1))
	}
	if config.RangeLock.Verify != nil {
		options.Verify = *config.RangeLock.Verify
	}
	if config.RangeLock.LogLevel != "" {
		level := strings.ToLower(config.RangeLock.LogLevel)
		if _, err := logrus.ParseLevel(level); err != nil {
			return fmt.Errorf("log_level in %q: %v: %w", configFile, err, ErrInvalidOption)
		}
		options.LogLevel = level
	}
	if config.RangeLock.MetricsNamespace != "" {
		options.MetricsNamespace = config.RangeLock.MetricsNamespace
	}
	return nil
}

var prevReloadConfig = struct {
	options    *ManagerOptions
	mod        time.Time
	mutex      sync.Mutex
	configFile string
}{}

// ReloadConfigurationFileIfNeeded is like ReloadConfigurationFile, but it
// reuses the result of the previous call if the file has not been modified
// since.
func ReloadConfigurationFileIfNeeded(configFile string, options *ManagerOptions) error {
	prevReloadConfig.mutex.Lock()
	defer prevReloadConfig.mutex.Unlock()

	fi, err := os.Stat(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Warningf("Failed to read %s %v", configFile, err.Error())
		}
		return nil
	}

	mtime := fi.ModTime()
	if prevReloadConfig.options != nil && prevReloadConfig.mod == mtime && prevReloadConfig.configFile == configFile {
		*options = *prevReloadConfig.options
		return nil
	}

	if err := ReloadConfigurationFile(configFile, options); err != nil {
		return err
	}

	cOptions := *options
	prevReloadConfig.options = &cOptions
	prevReloadConfig.mod = mtime
	prevReloadConfig.configFile = configFile
	return nil
}
