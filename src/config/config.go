package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/work"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key.
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database.
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel        = "debug"
	DefaultServiceAddr     = "127.0.0.1:8000"
	DefaultStore           = false
	DefaultRedundancy      = work.DefaultRedundancy
	DefaultWorkTimeout     = work.DefaultTimeout
	DefaultGossipInterval  = 60 * time.Second
	DefaultPublishInterval = 300 * time.Second
	DefaultScanInterval    = 5 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultRefillInterval  = 30 * time.Second
	DefaultSchedInterval   = 10 * time.Second
	DefaultTargetBuffer    = 20
	DefaultFanout          = 5
)

// DefaultRangeSize is the width of frontier-generated assignments.
const DefaultRangeSize = work.DefaultRangeSize

// Config contains all the configuration properties of a verification node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, mirrors the log output into a file via a hook.
	LogFile string `mapstructure:"log-file"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP service. If not specified,
	// and "no-service" is not set, the API handlers are registered with the
	// DefaultServeMux of the http package.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// RangeSize is the width of frontier-generated work assignments.
	RangeSize uint64 `mapstructure:"range-size"`

	// Redundancy is how many workers from distinct users each range is
	// handed to.
	Redundancy int `mapstructure:"redundancy"`

	// WorkTimeout is how long a worker holds a claim before it is released
	// back to the pool.
	WorkTimeout time.Duration `mapstructure:"work-timeout"`

	// GossipInterval is the frequency of snapshot pulls from peers.
	GossipInterval time.Duration `mapstructure:"gossip-interval"`

	// PublishInterval is the frequency of own-snapshot publication.
	PublishInterval time.Duration `mapstructure:"publish-interval"`

	// ScanInterval is the frequency of Byzantine monitor scans.
	ScanInterval time.Duration `mapstructure:"scan-interval"`

	// SweepInterval is the frequency of assignment timeout sweeps.
	SweepInterval time.Duration `mapstructure:"sweep-interval"`

	// RefillInterval is the frequency of work frontier refills.
	RefillInterval time.Duration `mapstructure:"refill-interval"`

	// SchedInterval is the frequency of scheduling passes.
	SchedInterval time.Duration `mapstructure:"sched-interval"`

	// TargetBuffer is how many claimable assignments the refill loop keeps
	// available.
	TargetBuffer int `mapstructure:"target-buffer"`

	// Fanout is how many peers one gossip round pulls from.
	Fanout int `mapstructure:"fanout"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:         DefaultDataDir(),
		LogLevel:        DefaultLogLevel,
		ServiceAddr:     DefaultServiceAddr,
		Store:           DefaultStore,
		DatabaseDir:     DefaultDatabaseDir(),
		RangeSize:       DefaultRangeSize,
		Redundancy:      DefaultRedundancy,
		WorkTimeout:     DefaultWorkTimeout,
		GossipInterval:  DefaultGossipInterval,
		PublishInterval: DefaultPublishInterval,
		ScanInterval:    DefaultScanInterval,
		SweepInterval:   DefaultSweepInterval,
		RefillInterval:  DefaultRefillInterval,
		SchedInterval:   DefaultSchedInterval,
		TargetBuffer:    DefaultTargetBuffer,
		Fanout:          DefaultFanout,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level data directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "verinet".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
				c.logger.Infof("Failed to open %s, using default stderr", c.LogFile)
			} else {
				pathMap := lfshook.PathMap{}
				for _, level := range logrus.AllLevels {
					pathMap[level] = c.LogFile
				}
				c.logger.Hooks.Add(lfshook.NewHook(
					pathMap,
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger.WithField("prefix", "verinet")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Verinet")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Verinet")
		} else {
			return filepath.Join(home, ".verinet")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
