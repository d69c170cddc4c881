// Package config loads the xtrace server's configuration from a YAML file
// via Viper, creating a config directory and a default config file on
// first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	fileName = "config"
	fileType = "yaml"
	fileExt  = "config.yaml"

	keyRoot           = "root"
	keyHandleValidFor = "handle_valid_for"
	keyUpdaterSleep   = "updater_sleep"
	keyListenAddr     = "listen_addr"
	keyLogLevel       = "log_level"

	defaultHandleValidFor = 500 * time.Millisecond
	defaultUpdaterSleep   = time.Second
	defaultListenAddr     = ":7831"
	defaultLogLevel       = "info"
)

const defaultConfigYAML = `# xtrace report store configuration

# Root directory for report files and the metadata index.
root: ./data

# LRU handle cache staleness window.
handle_valid_for: 500ms

# Index updater idle-poll interval.
updater_sleep: 1s

# Address the replay ingester listens on.
listen_addr: ":7831"

# One of: debug, info, warn, error.
log_level: info
`

// Config is the resolved server configuration.
type Config struct {
	Root           string
	HandleValidFor time.Duration
	UpdaterSleep   time.Duration
	ListenAddr     string
	LogLevel       string
}

// Load reads config.yaml from configDir, creating the directory and a
// default file on first run. A missing config.yaml is not an error; the
// returned Config carries the documented defaults.
func Load(configDir string) (Config, error) {
	if err := ensureConfigDir(configDir); err != nil {
		return Config{}, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return Config{}, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(keyRoot, "./data")
	v.SetDefault(keyHandleValidFor, defaultHandleValidFor)
	v.SetDefault(keyUpdaterSleep, defaultUpdaterSleep)
	v.SetDefault(keyListenAddr, defaultListenAddr)
	v.SetDefault(keyLogLevel, defaultLogLevel)

	v.SetConfigName(fileName)
	v.SetConfigType(fileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return Config{
		Root:           v.GetString(keyRoot),
		HandleValidFor: v.GetDuration(keyHandleValidFor),
		UpdaterSleep:   v.GetDuration(keyUpdaterSleep),
		ListenAddr:     v.GetString(keyListenAddr),
		LogLevel:       v.GetString(keyLogLevel),
	}, nil
}

func ensureConfigDir(configDir string) error {
	return os.MkdirAll(configDir, 0o755)
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, fileExt)

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
