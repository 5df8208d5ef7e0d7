package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/meetmemo/pipeline/internal/db/models"
)

func TestNewSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	gdb, err := New(Options{Endpoint: SQLitePrefix + path, LogLevel: logger.Silent})
	require.NoError(t, err)
	defer func() { _ = Close(gdb) }()

	require.NoError(t, Ping(context.Background(), gdb))
	assert.True(t, gdb.Migrator().HasTable(&models.Job{}))
	assert.True(t, gdb.Migrator().HasTable(&models.QueueMessage{}))
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
