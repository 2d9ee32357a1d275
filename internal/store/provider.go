package store

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
)

// Repositories is the persistence handle one process builds at startup and
// passes to every component.
type Repositories struct {
	Teams       TeamRepository
	Players     PlayerRepository
	Assignments AssignmentRepository
	State       AuctionStateRepository
	Audit       audit.Store
	Tx          Transactor
	Notifier    Notifier
	Closer      io.Closer
	Ping        func(ctx context.Context) error
}

// Options are settings shared by every driver.
type Options struct {
	// InitialBudget is given to teams created without an explicit budget.
	InitialBudget int64
	Clock         clock.Clock
}

// Driver opens a backend. Drivers register themselves from init().
type Driver func(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*Repositories, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register makes a driver available to Open under name. Registering the
// same name twice panics.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("store: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("store: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Drivers lists the registered driver names in order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open builds Repositories with the driver named by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*Repositories, error) {
	driversMu.RLock()
	d, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	repos, err := d(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	return repos, nil
}
