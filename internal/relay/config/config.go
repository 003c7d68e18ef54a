package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server Server `toml:"server"`
}

type Server struct {
	Address      string     `toml:"address"`
	LogLevel     slog.Level `toml:"log_level"`
	MaxFrameSize int64      `toml:"max_frame_size"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Address:      ":9443",
			LogLevel:     slog.LevelInfo,
			MaxFrameSize: 1 << 20,
		},
	}
}

// New reads a TOML config file, layering it over the defaults. A missing
// file is not an error; the defaults apply.
func New(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// continue
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	default:
		return cfg, fmt.Errorf("reading file: %w", err)
	}
	if err = toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal: %w", err)
	}
	return cfg, nil
}
