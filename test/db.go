package test

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db"
)

// NewTestDB opens an isolated in-memory SQLite job store with the schema applied
func NewTestDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_json=1", uuid.NewString())
	gdb, err := db.New(db.Options{Endpoint: db.SQLitePrefix + dsn, LogLevel: logger.Silent})
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	return gdb, nil
}

// SetupTestDB gives the suite a fresh job store and a database broker on it
func SetupTestDB(suite *Suite) {
	gdb, err := NewTestDB()
	suite.Require().NoError(err, "Failed to create in-memory database")
	suite.DB = gdb
	suite.Broker = broker.NewDatabaseBroker(gdb, broker.Options{
		VisibilityTimeout: suite.Config.VisibilityTimeout,
		PollInterval:      suite.Config.PollInterval,
	})

	oldCleanup := suite.cleanup
	suite.cleanup = func() {
		if oldCleanup != nil {
			oldCleanup()
		}
		_ = db.Close(gdb)
	}
}
