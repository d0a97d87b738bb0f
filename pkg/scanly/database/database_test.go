package database

import (
	"errors"
	"testing"

	"github.com/scanly/scanly/pkg/scanly/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestConnectSQLite(t *testing.T) {
	db, err := Connect("sqlite", ":memory:", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if !db.Migrator().HasTable("links") {
		t.Error("Expected links table to exist")
	}
}

func TestConnectUnsupportedDriver(t *testing.T) {
	if _, err := Connect("oracle", "dsn", nil); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestConnectLogsErrorsButNotMisses(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	db, err := Connect("sqlite", ":memory:", zap.New(core))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	logs.TakeAll()

	var link models.Link
	if err := db.Where("code = ?", "missing").First(&link).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("Expected ErrRecordNotFound, got %v", err)
	}
	if logs.Len() != 0 {
		t.Errorf("Expected no log entries for a miss, got %d", logs.Len())
	}

	db.Exec("SELECT * FROM no_such_table")
	if logs.Len() != 1 {
		t.Fatalf("Expected the failed query to be logged once, got %d", logs.Len())
	}
	if entry := logs.All()[0]; entry.LoggerName != "gorm" || entry.Level != zap.WarnLevel {
		t.Errorf("Unexpected log entry %+v", entry)
	}
}
