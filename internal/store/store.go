// Package store persists the local pairing record and the command
// history in sqlite.
package store

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type PairingRecord struct {
	ID            uint `gorm:"primaryKey"`
	SessionID     string
	LocalDeviceID string
	PeerDeviceID  string
	CreatedAt     int64
}

type CommandEntry struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	FromDevice string
	Command    string
	Payload    string
	ReceivedAt int64
}

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(&PairingRecord{}, &CommandEntry{}); err != nil {
		return nil, err
	}
	return db, nil
}
