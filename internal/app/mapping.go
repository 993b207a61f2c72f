package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"postrelay/internal/config"
	"postrelay/internal/delivery"
	"postrelay/internal/dispatch"
	"postrelay/internal/httpapi"
	"postrelay/internal/report"
	"postrelay/internal/storage"
	"postrelay/internal/transport/telegram"
	logx "postrelay/pkg/logx"
)

// Defaults applied when the config leaves a field empty.
const (
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultJobDelay        = 5 * time.Second
	defaultLogTail         = 200
	defaultBusyTimeout     = 5 * time.Second
)

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	var chatID int64
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		id, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			return logx.Config{}, fmt.Errorf("telegram.group_log %q: %w", g, err)
		}
		chatID = id
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, nil
}

// mapTelegram returns a nil sender when no token is configured.
func mapTelegram(cfg *config.Config) (*telegram.Sender, error) {
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 8*time.Second)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{Token: token, Timeout: timeout})
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	deliver, err := config.ParseDurationOrDefault("graph.deliver_timeout", cfg.Graph.DeliverTimeout, delivery.DefaultDeliverTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	check, err := config.ParseDurationOrDefault("graph.check_timeout", cfg.Graph.CheckTimeout, delivery.DefaultCheckTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		BaseURL:        cfg.Graph.BaseURL,
		APIVersion:     cfg.Graph.APIVersion,
		DeliverTimeout: deliver,
		CheckTimeout:   check,
	}, nil
}

// mapPolicy returns the retry policy and the run loop check interval.
func mapPolicy(cfg *config.Config) (dispatch.Policy, time.Duration, error) {
	base, err := config.ParseDurationOrDefault("jobs.backoff_base", cfg.Jobs.BackoffBase, dispatch.DefaultBaseDelay)
	if err != nil {
		return dispatch.Policy{}, 0, err
	}
	interval, err := config.ParseDurationOrDefault("jobs.check_interval", cfg.Jobs.CheckInterval, 500*time.Millisecond)
	if err != nil {
		return dispatch.Policy{}, 0, err
	}
	return dispatch.NewPolicy(cfg.Jobs.MaxAttempts, base, cfg.Jobs.AbortCodes), interval, nil
}

func mapHandlerOptions(cfg *config.Config) (httpapi.Options, error) {
	delay, err := config.ParseDurationOrDefault("jobs.default_delay", cfg.Jobs.DefaultDelay, defaultJobDelay)
	if err != nil {
		return httpapi.Options{}, err
	}
	tail := cfg.Jobs.LogTail
	if tail <= 0 {
		tail = defaultLogTail
	}
	return httpapi.Options{
		LogTail:      tail,
		DefaultDelay: delay,
		StaticDir:    strings.TrimSpace(cfg.Server.StaticDir),
		Pprof:        cfg.Server.Pprof,
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	read, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, defaultReadTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, defaultWriteTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, defaultIdleTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:         strings.TrimSpace(cfg.Server.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil || d <= 0 {
		return defaultShutdownTimeout
	}
	return d
}

// mapStorageConfig reports enabled=false when no audit store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		Schedule: strings.TrimSpace(cfg.Report.Schedule),
		Timezone: strings.TrimSpace(cfg.Report.Timezone),
	}
}

// validate runs every mapping so a bad hot-reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapLogConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapHandlerOptions(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Report.Enabled {
		if err := report.Check(mapReportConfig(cfg)); err != nil {
			return err
		}
	}
	return nil
}
