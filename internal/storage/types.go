package storage

import (
	"errors"
	"time"

	"alarmd/internal/alarm"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects a driver. An empty driver or "none" disables persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Store is a closable alarm.Persistence.
type Store interface {
	alarm.Persistence
	Close() error
}
