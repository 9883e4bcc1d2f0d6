package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/store"
	"github.com/roach88/quarry/internal/store/storetest"
	"github.com/roach88/quarry/internal/testutil"
)

// openTestStore opens a store in a fresh schema of the database named by
// QUARRY_PG_URL, skipping the test when it is unset.
func openTestStore(t *testing.T, reg *entity.Registry) *Store {
	t.Helper()
	dsn := os.Getenv("QUARRY_PG_URL")
	if dsn == "" {
		t.Skip("QUARRY_PG_URL not set")
	}
	ctx := context.Background()

	schema := "quarry_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	s, err := OpenConfig(ctx, cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T, reg *entity.Registry) store.Backend {
		return openTestStore(t, reg)
	})
}

func TestChangeLog(t *testing.T) {
	storetest.RunChangeLog(t, func(t *testing.T) store.ChangeLog {
		return openTestStore(t, testutil.Registry(t))
	})
}
