package models

import "gorm.io/gorm"

// AllModels returns all models for migration.
// Users come first since links, domains and keys reference them.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&CustomDomain{},
		&Link{},
		&ABTest{},
		&Scan{},
		&APIKey{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
