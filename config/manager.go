package config

import (
	"sync/atomic"

	"github.com/saiset-co/sai-cache/types"
)

// Manager holds the loaded configuration behind an atomic pointer so a
// reload never tears a reader.
type Manager struct {
	config     atomic.Pointer[types.ServiceConfig]
	configPath string
	loader     *Loader
}

func NewManager(configPath string) (*Manager, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	m := &Manager{
		configPath: configPath,
		loader:     NewLoader(),
	}

	if err := m.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return m, nil
}

// NewManagerFromConfig wraps an already constructed config, for embedding
// the layer without a config file.
func NewManagerFromConfig(config *types.ServiceConfig) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	m := &Manager{loader: NewLoader()}

	if err := m.loader.validator.Struct(config); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	m.config.Store(config)
	return m, nil
}

func (m *Manager) Load() error {
	config, err := m.loader.LoadFromFile(m.configPath)
	if err != nil {
		return err
	}

	m.config.Store(config)
	return nil
}

func (m *Manager) GetConfig() *types.ServiceConfig {
	return m.config.Load()
}
