package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Tokens are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
			logx.Bool("server.static_dir_set", strings.TrimSpace(newCfg.Server.StaticDir) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Graph, newCfg.Graph) {
		changed = append(changed, "graph")
		attrs = append(attrs,
			logx.String("graph.base_url", strings.TrimSpace(newCfg.Graph.BaseURL)),
			logx.String("graph.api_version", strings.TrimSpace(newCfg.Graph.APIVersion)),
			logx.String("graph.deliver_timeout", strings.TrimSpace(newCfg.Graph.DeliverTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.max_attempts", newCfg.Jobs.MaxAttempts),
			logx.String("jobs.backoff_base", strings.TrimSpace(newCfg.Jobs.BackoffBase)),
			logx.String("jobs.check_interval", strings.TrimSpace(newCfg.Jobs.CheckInterval)),
			logx.Int("jobs.abort_code_count", len(newCfg.Jobs.AbortCodes)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// never log the token itself
	if strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// Nil storage means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
