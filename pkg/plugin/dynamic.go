//go:build plugindyn && linux

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"go.uber.org/zap"
)

// LoadDynamicPlugins opens every .so in dir and calls its exported
// RegisterPlugins func() error, which registers channels or detectors with
// the global registry. An empty dir falls back to RTVOICE_PLUGIN_PATH, then
// DefaultPluginDir. A missing directory is not an error.
func LoadDynamicPlugins(dir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = os.Getenv(PluginPathEnv)
		if dir == "" {
			dir = DefaultPluginDir
		}
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("plugin directory does not exist", zap.String("dir", dir))
		return 0, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return 0, fmt.Errorf("search for plugins in %s: %w", dir, err)
	}

	for i, file := range files {
		if err := loadPlugin(file); err != nil {
			return i, fmt.Errorf("load plugin %s: %w", file, err)
		}
		logger.Info("loaded plugin",
			zap.String("name", strings.TrimSuffix(filepath.Base(file), ".so")),
			zap.String("file", file))
	}
	return len(files), nil
}

func loadPlugin(file string) error {
	p, err := plugin.Open(file)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	sym, err := p.Lookup("RegisterPlugins")
	if err != nil {
		return fmt.Errorf("plugin does not export RegisterPlugins: %w", err)
	}

	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("RegisterPlugins has signature %T, want func() error", sym)
	}
	return register()
}
