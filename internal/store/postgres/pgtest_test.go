package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	_ "github.com/jensholdgaard/cricket-auction/internal/store/postgres"
)

const testBudget = 900000

// auctionDB starts a throwaway Postgres and returns a config pointing at it.
// Integration tests are skipped with -short.
func auctionDB(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auction"),
		tcpostgres.WithUsername("auctioneer"),
		tcpostgres.WithPassword("hammer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "starting postgres")

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return config.DatabaseConfig{
		Driver:      "postgres",
		Host:        host,
		Port:        port.Int(),
		User:        "auctioneer",
		Password:    "hammer",
		DBName:      "auction",
		SSLMode:     "disable",
		AutoMigrate: true,
	}
}

// newTestRepos opens the registered postgres driver against a fresh,
// migrated database.
func newTestRepos(t *testing.T) *store.Repositories {
	t.Helper()
	cfg := auctionDB(t)
	repos, err := store.Open(context.Background(), cfg, store.Options{
		InitialBudget: testBudget,
		Clock:         clock.Real{},
	})
	require.NoError(t, err, "opening postgres store")
	t.Cleanup(func() { _ = repos.Closer.Close() })
	return repos
}
