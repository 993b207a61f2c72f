package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays the supported environment variables onto cfg:
//
//	PORT            server.addr becomes ":" + PORT
//	FB_API_VERSION  graph.api_version
//	GRAPH_BASE_URL  graph.base_url
//	LOG_LEVEL       logging.level
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := strings.TrimSpace(getenv("FB_API_VERSION")); v != "" {
		cfg.Graph.APIVersion = v
	}
	if v := strings.TrimSpace(getenv("GRAPH_BASE_URL")); v != "" {
		cfg.Graph.BaseURL = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}
