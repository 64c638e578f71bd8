package config

import (
	"strings"

	logx "remindkit/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}

	if oldCfg.LocalStore != newCfg.LocalStore {
		changed = append(changed, "local_store")
		attrs = append(attrs,
			logx.String("local_store.driver", strings.TrimSpace(newCfg.LocalStore.Driver)))
	}

	if oldCfg.Remote != newCfg.Remote {
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.String("remote.driver", strings.TrimSpace(newCfg.Remote.Driver)))
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.Queue.Enabled),
			logx.Int("queue.max_items", newCfg.Queue.MaxItems),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts))
	}

	if oldCfg.Writer != newCfg.Writer {
		changed = append(changed, "writer")
		attrs = append(attrs,
			logx.String("writer.mapping_ttl", strings.TrimSpace(newCfg.Writer.MappingTTL)))
	}

	if oldCfg.Recompute != newCfg.Recompute {
		changed = append(changed, "recompute")
		attrs = append(attrs,
			logx.Int("recompute.client_ceiling", newCfg.Recompute.ClientCeiling),
			logx.Int("recompute.batch_size", newCfg.Recompute.BatchSize))
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.flush_spec", newCfg.Jobs.FlushSpecOrDefault()),
			logx.String("jobs.sweep_spec", newCfg.Jobs.SweepSpecOrDefault()))
	}

	return changed, attrs
}
