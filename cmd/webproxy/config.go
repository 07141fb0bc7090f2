package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML configuration file.
// Command-line options take precedence over its values.
type Config struct {
	DefaultHost   string        `yaml:"defaultHost"`
	DefaultPort   uint16        `yaml:"defaultPort"`
	RelativeHost  string        `yaml:"relativeHost"`
	RelativePort  uint16        `yaml:"relativePort"`
	Store         string        `yaml:"store"`
	Admin         string        `yaml:"admin"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheMethods  []string      `yaml:"cacheMethods"`
	MaxCacheSize  int           `yaml:"maxCacheSize"`
	MaxObjectSize int           `yaml:"maxObjectSize"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "read config")
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, errors.Wrapf(err, "parse config %s", filename)
}
