package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"

	_ "github.com/jensholdgaard/cricket-auction/internal/store/memstore"
	_ "github.com/jensholdgaard/cricket-auction/internal/store/postgres"
)

var (
	recorded    store.Options
	errNoBudget = errors.New("no budget configured")
)

func init() {
	store.Register("recording", func(_ context.Context, _ config.DatabaseConfig, opts store.Options) (*store.Repositories, error) {
		recorded = opts
		if opts.InitialBudget == 0 {
			return nil, errNoBudget
		}
		return &store.Repositories{}, nil
	})
}

func TestDrivers(t *testing.T) {
	require.Subset(t, store.Drivers(), []string{"memory", "postgres", "recording"})
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		budget  int64
		wantErr error
	}{
		{name: "memory", driver: "memory", budget: 900000},
		{name: "registered driver", driver: "recording", budget: 900000},
		{name: "driver error is wrapped", driver: "recording", wantErr: errNoBudget},
		{name: "unknown driver", driver: "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repos, err := store.Open(context.Background(), config.DatabaseConfig{Driver: tt.driver}, store.Options{InitialBudget: tt.budget})
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.budget == 0:
				require.ErrorContains(t, err, "unknown store driver")
			default:
				require.NoError(t, err)
				require.NotNil(t, repos)
			}
		})
	}
}

func TestOpen_DefaultsClock(t *testing.T) {
	_, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "recording"}, store.Options{InitialBudget: 1})
	require.NoError(t, err)
	require.IsType(t, clock.Real{}, recorded.Clock)
}

func TestRegister_Duplicate(t *testing.T) {
	require.Panics(t, func() {
		store.Register("memory", func(context.Context, config.DatabaseConfig, store.Options) (*store.Repositories, error) {
			return nil, nil
		})
	})
}

func TestOpen_PostgresUnreachable(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "postgres", Host: "127.0.0.1", Port: 1, SSLMode: "disable"}
	_, err := store.Open(context.Background(), cfg, store.Options{})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "unknown store driver")
}
