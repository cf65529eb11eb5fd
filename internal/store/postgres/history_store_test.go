package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

func TestHistoryListQuery(t *testing.T) {
	q, args := historyListQuery("s1", domain.ListOpts{})
	assert.Contains(t, q, "session_id = $1")
	assert.Equal(t, []any{"s1"}, args)
	assert.True(t, strings.HasSuffix(q, "ORDER BY occurred_at ASC, id ASC"))

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args = historyListQuery("", domain.ListOpts{Since: &since, Limit: 5, Offset: 10})
	assert.NotContains(t, q, "session_id")
	assert.Contains(t, q, "occurred_at >= $1")
	assert.Contains(t, q, "LIMIT $2")
	assert.Contains(t, q, "OFFSET $3")
	assert.Equal(t, []any{since, 5, 10}, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/iotmart?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "iotmart"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_history.sql", names[0])
}
