package database

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/googleapps-message-recall/internal/config"
	"github.com/google/googleapps-message-recall/internal/model"
)

func TestInitDatabaseMigratesOnce(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetOutput(io.Discard)

	db, err := InitDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "recall.db"),
	}, log)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, table := range []interface{}{
		&model.RecallJob{},
		&model.CandidateUser{},
		&model.ErrorRecord{},
		&model.CounterShard{},
		&model.CounterShardConfig{},
		&model.QueuedTask{},
	} {
		assert.True(t, db.Migrator().HasTable(table), "%T", table)
	}

	runs := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.InfoLevel && entry.Message == "Running database migrations..." {
			runs++
		}
	}
	assert.Equal(t, 1, runs)
}
