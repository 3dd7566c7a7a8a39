package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port         string        `toml:"port"`
	LogLevelName string        `toml:"log_level"`
	LogLevel     slog.Level    `toml:"-"`
	DataDir      string        `toml:"data_dir"`
	AgentURL     string        `toml:"agent_url"`
	Spotify      SpotifyConfig `toml:"spotify"`
}

type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	DeviceID     string `toml:"device_id"`
}

func defaults() Config {
	return Config{
		Port:         "8080",
		DataDir:      "./data",
		AgentURL:     "ws://127.0.0.1:28653/sgf_ctrl",
		LogLevelName: "INFO",
	}
}

// LoadConfig builds the configuration from defaults, then the TOML file
// named by CONFIG_FILE if any, then environment variables.
func LoadConfig() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	override(&cfg.Port, "PORT")
	override(&cfg.LogLevelName, "LOG_LEVEL")
	override(&cfg.DataDir, "DATA_DIR")
	override(&cfg.AgentURL, "AGENT_URL")
	override(&cfg.Spotify.ClientID, "SPOTIFY_CLIENT_ID")
	override(&cfg.Spotify.ClientSecret, "SPOTIFY_CLIENT_SECRET")
	override(&cfg.Spotify.RefreshToken, "SPOTIFY_REFRESH_TOKEN")
	override(&cfg.Spotify.DeviceID, "SPOTIFY_DEVICE_ID")

	cfg.LogLevel = parseLevel(cfg.LogLevelName)
	return cfg, nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func parseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
