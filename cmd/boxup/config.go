package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// config is the TOML config file shape. All fields are optional; flags and
// environment variables override.
type config struct {
	AccessToken string `toml:"access_token"`
	APIURL      string `toml:"api_url"`
	UploadURL   string `toml:"upload_url"`
	Parallelism int    `toml:"parallelism"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "boxup", "config.toml")
}

// loadConfig reads the TOML config. A missing file is only an error when
// the path was given explicitly; unknown keys are always an error.
func loadConfig(path string) (*config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return &config{}, nil
		}
	}

	var cfg config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return &config{}, nil
		}

		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown keys: %v", path, undecoded)
	}

	return &cfg, nil
}
