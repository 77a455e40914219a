package db

import (
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/jobs"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectOf picks the driver from the DSN scheme.
func DialectOf(dsn string) (Dialect, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported DATABASE_URL scheme: %q", dsn)
	}
}

func Connect(dsn string) (*gorm.DB, error) {
	dialect, err := DialectOf(dsn)
	if err != nil {
		return nil, err
	}

	cfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	}

	var gdb *gorm.DB
	switch dialect {
	case Postgres:
		gdb, err = gorm.Open(postgres.Open(dsn), cfg)
	case SQLite:
		path := strings.TrimPrefix(dsn, "sqlite://")
		gdb, err = gorm.Open(sqlite.Open(path+sqliteParams(path)), cfg)
	}
	if err != nil {
		return nil, err
	}

	if dialect == SQLite {
		// One writer at a time; concurrent connections only buy SQLITE_BUSY.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

func sqliteParams(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&jobs.Job{},
		&jobs.QueueState{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_jobs_due on jobs(status, run_at, seq);`,
		`create index if not exists idx_jobs_lock on jobs(status, locked_at);`,
		`create index if not exists idx_jobs_history on jobs(status, finished_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
