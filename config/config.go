// Package config loads the YAML file shared by the pagejournal tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	storageengine "github.com/sushant-115/pagejournal/core/storage_engine"
	"github.com/sushant-115/pagejournal/pkg/logger"
	"github.com/sushant-115/pagejournal/pkg/telemetry"
)

// Config is the top-level configuration document.
type Config struct {
	Storage   storageengine.Options `yaml:"storage"`
	Logger    logger.Config         `yaml:"logger"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
}

// Default returns a configuration for a store rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Storage: storageengine.DefaultOptions(dataDir),
		Logger:  logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
		},
	}
}

// Load reads path over Default(""). Keys missing from the file keep their
// defaults. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default("")
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
