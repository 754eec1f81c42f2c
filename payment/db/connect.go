package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Open connects to the order database. DSNs prefixed with "sqlite:" open a
// SQLite file, anything else is handed to the MySQL driver and must carry
// parseTime=True.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	sqliteDB := strings.HasPrefix(dsn, sqlitePrefix)
	if sqliteDB {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		if !strings.Contains(path, "?") {
			path += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
		dialector = sqlite.Open(path)
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if sqliteDB {
		// sqlite allows a single writer
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

// Sync creates or migrates the service tables.
func Sync(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&Order{}, &PaymentEvent{}, &Watermark{}, &Notification{})
}

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
