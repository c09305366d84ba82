// Package config loads the settings for the kfr command.
//
// Settings come from built-in defaults,
// then an optional YAML file,
// then environment variables named KFR_<FIELD>
// (e.g. KFR_ROOT, KFR_SLICE_SIZE).
// The store setting can come only from the file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the settings for a replica.
type Config struct {
	// Root is the directory tree to synchronize.
	Root string `yaml:"root"`

	// Listen is the address the serve command listens on.
	Listen string `yaml:"listen"`

	// Peer is the base URL of the peer for the sync command.
	Peer string `yaml:"peer"`

	// StateDir holds the record store, the scratch directory, and the lock file.
	StateDir string `yaml:"state_dir" split_words:"true"`

	// Store configures the record store,
	// as a map for store.FromConfig.
	// The default is a sqlite3 database in StateDir.
	Store map[string]interface{} `yaml:"store" ignored:"true"`

	// Known configures the store of records last seen from the peer.
	// The default is a second sqlite3 database in StateDir.
	Known map[string]interface{} `yaml:"known" ignored:"true"`

	SliceSize int64         `yaml:"slice_size" split_words:"true"`
	Compress  bool          `yaml:"compress"`
	Timeout   time.Duration `yaml:"timeout"`

	// Rescan is the interval between full rescans of Root.
	// Zero means none.
	Rescan time.Duration `yaml:"rescan"`

	MergeTTL time.Duration `yaml:"merge_ttl" envconfig:"MERGE_TTL"`
	LogLevel string        `yaml:"log_level" split_words:"true"`
	Dev      bool          `yaml:"dev"`
}

// Defaults produces a Config with the built-in defaults.
func Defaults() *Config {
	c := &Config{
		Listen:    ":8420",
		SliceSize: 1 << 20,
		Timeout:   30 * time.Second,
		MergeTTL:  10 * time.Minute,
		LogLevel:  "info",
	}
	if dir, err := os.UserCacheDir(); err == nil {
		c.StateDir = filepath.Join(dir, "kfr")
	}
	return c
}

// Load produces a Config from the defaults,
// the YAML file at path (unless path is empty),
// and the environment.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, errors.Wrapf(err, "decoding config file %s", path)
		}
	}

	if err := envconfig.Process("kfr", c); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}
	return c, nil
}

// Validate reports the first nonsensical setting in c.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("no root")
	}
	if c.StateDir == "" {
		return errors.New("no state_dir")
	}
	if c.SliceSize <= 0 {
		return errors.Errorf("slice_size %d", c.SliceSize)
	}
	if c.Timeout <= 0 {
		return errors.Errorf("timeout %s", c.Timeout)
	}
	if c.Rescan < 0 {
		return errors.Errorf("rescan %s", c.Rescan)
	}
	if c.MergeTTL <= 0 {
		return errors.Errorf("merge_ttl %s", c.MergeTTL)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", c.Root)
	}
	state, err := filepath.Abs(c.StateDir)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", c.StateDir)
	}
	if rel, err := filepath.Rel(abs, state); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Errorf("state_dir %s is inside root %s", c.StateDir, c.Root)
	}
	return nil
}

// StoreConfig is the configuration of the record store.
func (c *Config) StoreConfig() map[string]interface{} {
	if c.Store != nil {
		return c.Store
	}
	return map[string]interface{}{
		"type": "sqlite3",
		"conn": "file:" + filepath.Join(c.StateDir, "records.db"),
	}
}

// KnownConfig is the configuration of the store of records last seen from the peer.
func (c *Config) KnownConfig() map[string]interface{} {
	if c.Known != nil {
		return c.Known
	}
	return map[string]interface{}{
		"type": "sqlite3",
		"conn": "file:" + filepath.Join(c.StateDir, "known.db"),
	}
}

// ScratchDir is the parent of the scratch directory.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.StateDir, "scratch")
}

// LockFile is the file locked while a command uses StateDir.
func (c *Config) LockFile() string {
	return filepath.Join(c.StateDir, "lock")
}

func parseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, errors.Wrapf(err, "log_level %q", s)
	}
	return l, nil
}

// NewLogger builds a logger at the given level:
// human-readable console output if dev is true,
// JSON otherwise.
func NewLogger(level string, dev bool) (*zap.SugaredLogger, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if dev {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(l)

	log, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return log.Sugar(), nil
}
