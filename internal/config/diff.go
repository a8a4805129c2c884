package config

import (
	"strings"

	logx "peerdrivectl/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Attrs are safe structured fields for logging the new values.
	Attrs []logx.Field
	// Rebuild is true when the controller must be recreated (target unit,
	// backend or timings changed). Logging changes apply in place.
	Rebuild bool
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, rebuild bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		ch.Rebuild = ch.Rebuild || rebuild
	}

	if oldCfg.Service != newCfg.Service || oldCfg.Scope != newCfg.Scope || oldCfg.Backend != newCfg.Backend {
		mark("target", true,
			logx.String("service", newCfg.Service),
			logx.String("scope", newCfg.Scope),
			logx.String("backend", newCfg.Backend),
		)
	}

	if trim(oldCfg.Poll.RefreshInterval) != trim(newCfg.Poll.RefreshInterval) ||
		trim(oldCfg.Poll.SettleTimeout) != trim(newCfg.Poll.SettleTimeout) ||
		trim(oldCfg.Poll.SettleInterval) != trim(newCfg.Poll.SettleInterval) ||
		trim(oldCfg.Poll.ActionTimeout) != trim(newCfg.Poll.ActionTimeout) {
		mark("poll", true,
			logx.String("poll.refresh_interval", trim(newCfg.Poll.RefreshInterval)),
			logx.String("poll.settle_timeout", trim(newCfg.Poll.SettleTimeout)),
			logx.String("poll.settle_interval", trim(newCfg.Poll.SettleInterval)),
		)
	}

	if oldCfg.Journal != newCfg.Journal {
		mark("journal", true,
			logx.Int("journal.backlog", newCfg.Journal.Backlog),
			logx.String("journal.output", newCfg.Journal.Output),
		)
	}

	if oldCfg.Flags != newCfg.Flags {
		mark("flags", true,
			logx.String("flags.unit_dir", trim(newCfg.Flags.UnitDir)),
			logx.Bool("flags.reload_after_save", newCfg.Flags.ReloadAfterSave),
		)
	}

	if trim(oldCfg.UserConfig.Path) != trim(newCfg.UserConfig.Path) {
		mark("user_config", false, logx.String("user_config.path", trim(newCfg.UserConfig.Path)))
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// The listener is bound once at startup; address changes need a restart
	// of the process and are only reported.
	if trim(oldCfg.HTTP.Addr) != trim(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.MetricsEnabled() != newCfg.HTTP.MetricsEnabled() ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		trim(oldCfg.HTTP.ReadHeaderTimeout) != trim(newCfg.HTTP.ReadHeaderTimeout) {
		mark("http", false,
			logx.String("http.addr", trim(newCfg.HTTP.Addr)),
			logx.Bool("http.metrics", newCfg.HTTP.MetricsEnabled()),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	return ch
}

func trim(s string) string { return strings.TrimSpace(s) }
