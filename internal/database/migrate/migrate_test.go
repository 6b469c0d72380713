package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)

	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Positive(t, ups)
	assert.Equal(t, ups, downs, "every up migration needs a down")
}

func TestInitCreatesCoreTables(t *testing.T) {
	data, err := fs.ReadFile(migrations, "migrations/000001_init.up.sql")
	require.NoError(t, err)

	sql := string(data)
	for _, table := range []string{"users", "matches", "recent_partners", "settings", "ratings", "complaints"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table, "missing table %s", table)
	}
	assert.NotContains(t, sql, "TABLE IF NOT EXISTS queue", "the waiting queue lives in Redis")
}
