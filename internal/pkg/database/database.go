package database

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotConnected is returned by health probes before SetupDatabase ran.
var ErrNotConnected = errors.New("database not connected")

// DB is the shared connection pool, set by SetupDatabase.
var DB *gorm.DB

func GetDB() *gorm.DB {
	return DB
}
