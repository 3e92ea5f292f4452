package config

import (
	"sort"
	"strings"

	"previewd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes the telegram token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", newCfg.Server.Addr))
	}

	if oldCfg.Upstream != newCfg.Upstream {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.url", newCfg.Upstream.URL),
			logx.String("upstream.poll_interval", strings.TrimSpace(newCfg.Upstream.PollInterval)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.settings_path_set", strings.TrimSpace(newCfg.Storage.SettingsPath) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs, logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec))
	}

	if telegramChanged(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		enabled := newCfg.Telegram != nil && newCfg.Telegram.Enabled
		attrs = append(attrs,
			logx.Bool("telegram.enabled", enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram != nil && strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs, logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func telegramChanged(o, n *TelegramConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return *o != *n
}
