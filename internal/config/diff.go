package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gridq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) the queue names whose
// tuning changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.node", strings.TrimSpace(newCfg.Server.Node)),
			logx.Bool("server.http_enabled", strings.TrimSpace(newCfg.Server.HTTPAddr) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.timeout_check", newCfg.Maintenance.TimeoutCheck),
			logx.String("maintenance.expiry_check", newCfg.Maintenance.ExpiryCheck),
			logx.String("maintenance.notify_tick", newCfg.Maintenance.NotifyTick),
		)
	}

	queueChanged := diffQueues(oldCfg.Queues, newCfg.Queues)
	if len(queueChanged) > 0 {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Int("queues.changed_count", len(queueChanged)),
			logx.Int("queues.total", len(newCfg.Queues)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, queueChanged
}

func diffQueues(oldM, newM map[string]QueueConfig) []string {
	if oldM == nil {
		oldM = map[string]QueueConfig{}
	}
	if newM == nil {
		newM = map[string]QueueConfig{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
