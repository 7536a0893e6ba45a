package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// FileValues mirrors the optional TOML config file. Empty fields fall through
// to the defaults.
type FileValues struct {
	AppName           string `toml:"app_name"`
	Env               string `toml:"env"`
	LogLevel          string `toml:"log_level"`
	BaseURL           string `toml:"base_url"`
	RequestTimeout    string `toml:"request_timeout"`
	PreemptiveRefresh *bool  `toml:"preemptive_refresh"`
	CredentialStore   string `toml:"credential_store"`
	CredentialPath    string `toml:"credential_path"`
	CredentialKey     string `toml:"credential_key"`
}

// LoadFile decodes a TOML config file.
func LoadFile(path string) (FileValues, error) {
	var fv FileValues
	meta, err := toml.DecodeFile(path, &fv)
	if err != nil {
		return FileValues{}, errors.Wrap(err, "[config.LoadFile] toml.DecodeFile")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return FileValues{}, errors.Errorf("[config.LoadFile] unknown keys in %s: %v", path, undecoded)
	}
	return fv, nil
}
