//go:build integration

package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/whisper/pairchat/internal/database/migrate"
	"github.com/whisper/pairchat/internal/recency"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("pairchat"),
		postgres.WithUsername("pairchat"),
		postgres.WithPassword("pairchat"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrate.Run(db))
	return db
}

func TestStore_Postgres(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	store := NewStore(db)
	ledger := recency.NewLedger(db)

	version, dirty, err := migrate.Version(db)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	sess, err := store.Create(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, sess.Active)

	_, err = store.Create(ctx, 2, 3)
	assert.ErrorIs(t, err, ErrUserBusy)

	active, err := store.ActiveFor(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sess.ID, active.ID)

	state, err := store.MarkReveal(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.True(t, state.Requester)
	assert.False(t, state.Peer)
	assert.False(t, state.Mutual())

	ended, err := store.End(ctx, sess.ID, "stop", 2)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = store.End(ctx, sess.ID, "stop", 2)
	require.NoError(t, err)
	assert.False(t, ended, "second end is a no-op")

	blocked, err := ledger.Blocked(ctx, 1)
	require.NoError(t, err)
	assert.True(t, blocked[2])

	// Two other sessions for user 1 wear down only user 1's side.
	for _, partner := range []int64{3, 4} {
		s, err := store.Create(ctx, 1, partner)
		require.NoError(t, err)
		_, err = store.End(ctx, s.ID, "next", 0)
		require.NoError(t, err)
	}
	rows, err := ledger.Rows(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []recency.Row{{UserID: 2, PartnerID: 1, RoundsLeft: 2}}, rows)

	blocked, err = ledger.Blocked(ctx, 1)
	require.NoError(t, err)
	assert.True(t, blocked[2], "the partner's row still blocks the pair")

	n, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, migrate.Down(db))
}
