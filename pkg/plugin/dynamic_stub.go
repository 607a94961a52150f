//go:build !plugindyn || !linux

package plugin

import "go.uber.org/zap"

// LoadDynamicPlugins always fails in this build.
func LoadDynamicPlugins(dir string, logger *zap.Logger) (int, error) {
	return 0, ErrDynamicUnsupported
}
