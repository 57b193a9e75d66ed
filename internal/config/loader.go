package config

import (
	"context"
)

// Loader provides configuration loading capabilities. Implementations start
// from Default (or from another loader's output) and apply their own source
// on top, so loaders can be layered: file first, then environment.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	Load(ctx context.Context) (*Config, error)
}

// DefaultLoader yields Default. It is the bottom layer when no config file is used.
type DefaultLoader struct{}

// Load returns a fresh Default configuration.
func (DefaultLoader) Load(context.Context) (*Config, error) { return Default(), nil }
