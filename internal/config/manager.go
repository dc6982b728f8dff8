package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Manager loads the configuration file and keeps it hot-reloadable. Readers
// call Get on every use; listeners registered with OnChange are invoked after
// each successful reload.
type Manager struct {
	mu        sync.RWMutex
	current   Config
	v         *viper.Viper
	logger    *zap.Logger
	listeners []func(Config)
}

// Load reads the config file (empty path falls back to config/dossier.yaml,
// missing file falls back to defaults) and starts watching it for changes.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dossier")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("DOSSIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{v: v, logger: logger, current: Defaults()}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			logger.Info("no config file found, using defaults")
			return m, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.current = cfg
	logger.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))

	v.OnConfigChange(func(e fsnotify.Event) { m.reload(e) })
	v.WatchConfig()
	return m, nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a listener called after each successful reload.
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) reload(e fsnotify.Event) {
	cfg, err := m.unmarshal()
	if err != nil {
		// keep the last good config on a bad edit
		m.logger.Error("config reload failed, keeping previous", zap.String("file", e.Name), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	listeners := make([]func(Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", zap.String("file", e.Name))
	for _, fn := range listeners {
		fn(cfg)
	}
}

func (m *Manager) unmarshal() (Config, error) {
	cfg := Defaults()
	if err := m.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
