package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	logx "postrelay/pkg/logx"
)

// Validate checks the fields that would otherwise fail late (at apply time).
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"graph.deliver_timeout", cfg.Graph.DeliverTimeout},
		{"graph.check_timeout", cfg.Graph.CheckTimeout},
		{"jobs.backoff_base", cfg.Jobs.BackoffBase},
		{"jobs.check_interval", cfg.Jobs.CheckInterval},
		{"jobs.default_delay", cfg.Jobs.DefaultDelay},
		{"telegram.timeout", cfg.Telegram.Timeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if base := strings.TrimSpace(cfg.Graph.BaseURL); base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("graph.base_url: invalid url %q", base))
		}
	}
	if cfg.Jobs.MaxAttempts < 0 {
		errs = append(errs, errors.New("jobs.max_attempts must be >= 0"))
	}
	if cfg.Jobs.LogTail < 0 {
		errs = append(errs, errors.New("jobs.log_tail must be >= 0"))
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: expected numeric chat id, got %q", g))
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}
	if cfg.Report.Enabled && strings.TrimSpace(cfg.Report.Schedule) == "" {
		errs = append(errs, errors.New("report.schedule is required when report.enabled is true"))
	}
	return errors.Join(errs...)
}
