package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles(t *testing.T) {
	up, err := migrationFiles(".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, up)
	assert.Equal(t, "001", migrationVersion(up[0]))

	down, err := migrationFiles(".down.sql")
	require.NoError(t, err)
	require.Len(t, down, len(up), "every up migration needs a down")
	for i := range up {
		assert.Equal(t, migrationVersion(up[i]), migrationVersion(down[i]))
	}
}

func TestDownPlan(t *testing.T) {
	files := []string{"001_init.down.sql", "002_notes.down.sql", "003_index.down.sql"}
	applied := map[string]bool{"001": true, "002": true, "003": true}

	plan, err := downPlan(applied, files, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"003_index.down.sql"}, plan)

	plan, err = downPlan(applied, files, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"003_index.down.sql", "002_notes.down.sql"}, plan)

	// More steps than applied versions reverts everything.
	plan, err = downPlan(map[string]bool{"001": true}, files, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.down.sql"}, plan)

	plan, err = downPlan(map[string]bool{}, files, 1)
	require.NoError(t, err)
	assert.Empty(t, plan)

	_, err = downPlan(map[string]bool{"004": true}, files, 1)
	assert.ErrorContains(t, err, "no down migration for version 004")
}
