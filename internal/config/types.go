package config

// Config is the on-disk configuration (JSON or YAML).
//
// Every section is optional. Zero values mean "use the default"; the
// composition root resolves them with ParseDurationOrDefault and friends.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Graph    GraphConfig    `json:"graph"`
	Jobs     JobsConfig     `json:"jobs"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Report   ReportConfig   `json:"report"`
}

// ServerConfig controls the HTTP control surface.
//
// Defaults:
//   - addr: ":5000" (env PORT overrides the port)
//   - read_timeout: "15s", write_timeout: "30s", idle_timeout: "60s"
//   - shutdown_timeout: "10s"
type ServerConfig struct {
	Addr string `json:"addr,omitempty"`
	// StaticDir serves index.html from disk instead of the embedded page.
	StaticDir string `json:"static_dir,omitempty"`
	// Pprof mounts /debug/pprof/ on the same listener. Keep it off on
	// publicly reachable addresses.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// GraphConfig points the delivery client at the remote API.
type GraphConfig struct {
	BaseURL        string `json:"base_url,omitempty"`    // default: https://graph.facebook.com
	APIVersion     string `json:"api_version,omitempty"` // default: v17.0 (env FB_API_VERSION)
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	CheckTimeout   string `json:"check_timeout,omitempty"`
}

// JobsConfig controls retry policy and run loop pacing.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 3
//   - backoff_base: "1s"
//   - check_interval: "500ms" (capped at 500ms)
//   - default_delay: "5s"
//   - log_tail: 200
//   - abort_codes: [190, 102, 4]
type JobsConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	BackoffBase   string `json:"backoff_base,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
	DefaultDelay  string `json:"default_delay,omitempty"`
	LogTail       int    `json:"log_tail,omitempty"`
	AbortCodes    []int  `json:"abort_codes,omitempty"`
}

// TelegramConfig configures the optional operator-alert bot.
// GroupLog is the chat id that receives log alerts.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	GroupLog string `json:"group_log,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the optional audit trail of job events.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./postrelay_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReportConfig schedules the periodic registry summary log line.
// Schedule is a standard 5-field cron expression, e.g. "*/15 * * * *".
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
