package storage

import (
	"errors"
	"strings"

	logx "commagent/pkg/logx"
)

// OpenBackend initializes the configured backend.
func OpenBackend(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Open initializes the configured backend and wraps it in a Store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	b, err := OpenBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	return New(b), nil
}
