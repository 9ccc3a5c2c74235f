// Package testutil seeds an ephemeral gorm handle for repository tests,
// mirroring the teacher's internal/data/repos/testutil package. This repo
// uses sqlite (in-memory) rather than a TEST_POSTGRES_DSN-gated Postgres
// instance, since none of the queue/registry invariants under test depend
// on Postgres-only behavior beyond SELECT ... FOR UPDATE SKIP LOCKED. sqlite
// ignores that locking clause, so no test here exercises it.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB returns a fresh in-memory sqlite handle, migrated with this module's
// domain tables. A new database is created per call (the DSN is unique per
// test) so tests never share state.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrateAll(db); err != nil {
		tb.Fatalf("automigrate: %v", err)
	}
	tb.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// AutoMigrateAll migrates this module's full domain schema.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Workflow{},
		&domain.JobRun{},
		&domain.Checkpoint{},
		&domain.Alert{},
		&domain.MetricsSnapshot{},
	)
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

func JSON(tb testing.TB, v any) datatypes.JSON {
	tb.Helper()
	if v == nil {
		return datatypes.JSON([]byte("{}"))
	}
	b, err := json.Marshal(v)
	if err != nil {
		tb.Fatalf("marshal fixture json: %v", err)
	}
	return datatypes.JSON(b)
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }
func PtrTime(v time.Time) *time.Time { return &v }

// Context is a convenience background-context helper for repo call sites
// in tests that don't need cancellation.
func Context() context.Context { return context.Background() }
