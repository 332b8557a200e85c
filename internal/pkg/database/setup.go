package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/InboxGate/app/models"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// Open connects to the configured driver, retrying while the database container starts.
func Open(driver, dsn string) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxRetries; i++ {
		switch driver {
		case "sqlite":
			db, err = OpenSQLite(dsn)
		default:
			db, err = openMySQL(dsn)
		}
		if err == nil {
			if err = Migrate(db); err != nil {
				return nil, err
			}
			log.Infof("[Database] connected using %s driver", driver)
			return db, nil
		}

		log.Warnf("[Database] failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, err
}

func openMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.New(mysql.Config{
		DSN:                       dsn,
		DefaultStringSize:         256,
		DisableDatetimePrecision:  true,
		DontSupportRenameIndex:    true,
		DontSupportRenameColumn:   true,
		SkipInitializeWithVersion: false,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

// OpenSQLite opens a pure-Go SQLite database. Use "file:name?mode=memory&cache=shared" for tests.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "inboxgate.db"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// Migrate keeps the schema in sync with the models. SQL migrations in
// /migrations remain the source of truth for MySQL deployments.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Client{},
		&models.AuditLog{},
	)
}
