package storage

import (
	"fmt"
	"strings"

	"gridq/internal/queue"
	logx "gridq/pkg/logx"
)

// Store is the persistence API the queue engine plugs into, plus lifecycle.
type Store interface {
	queue.Store
	Close() error
}

// Open initializes the configured store. A disabled section (empty driver
// or "none") yields a nil Store with no error; callers treat nil as "run
// without persistence".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
