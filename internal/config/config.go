package config

import (
	"os"

	"github.com/pkg/errors"
)

// configFileEnvVar names an optional TOML file whose values sit between the
// environment and the built-in defaults.
const configFileEnvVar = "AUTH_SESSION_CONFIG"

type Config interface {
	EnvConfig
	APIConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type mainConfig struct {
	EnvVars
	API
	Store
}

var _ Config = mainConfig{}

// New builds the config from the environment, reading the file named by
// AUTH_SESSION_CONFIG first when it is set.
func New() (Config, error) {
	var fv FileValues
	if path := os.Getenv(configFileEnvVar); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "[config.New] LoadFile")
		}
		fv = loaded
	}
	return FromValues(fv), nil
}

// FromValues builds a config from explicit values. Environment variables still
// take precedence.
func FromValues(fv FileValues) Config {
	return mainConfig{
		EnvVars: EnvVars{file: fv},
		API:     API{file: fv},
		Store:   Store{file: fv},
	}
}
