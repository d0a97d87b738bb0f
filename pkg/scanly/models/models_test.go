package models

import (
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	return db
}

func TestAutoMigrate(t *testing.T) {
	db := setupTestDB(t)

	err := AutoMigrate(db)
	if err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}

	// Verify tables exist by checking if we can query them
	tables := []string{"users", "custom_domains", "links", "ab_tests", "scans", "api_keys"}
	for _, table := range tables {
		if !db.Migrator().HasTable(table) {
			t.Errorf("Expected table %s to exist", table)
		}
	}
}

func TestUserModel(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	user := User{
		Email:        "test@example.com",
		PasswordHash: "hashed_password",
		Name:         "Test User",
		SystemRole:   SystemRoleUser,
	}

	result := db.Create(&user)
	if result.Error != nil {
		t.Fatalf("Failed to create user: %v", result.Error)
	}

	if user.ID == 0 {
		t.Error("Expected user ID to be set after create")
	}

	// Test unique email constraint
	user2 := User{
		Email:        "test@example.com",
		PasswordHash: "another_hash",
		Name:         "Another User",
	}
	result = db.Create(&user2)
	if result.Error == nil {
		t.Error("Expected error when creating user with duplicate email")
	}
}

func TestCodeUniqueness(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	user := User{Email: "test@example.com", PasswordHash: "hash", Name: "Test"}
	db.Create(&user)

	link1 := Link{OwnerID: user.ID, Code: "unique-code", TargetURL: "https://example1.com", IsActive: true}
	if err := db.Create(&link1).Error; err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}

	link2 := Link{OwnerID: user.ID, Code: "unique-code", TargetURL: "https://example2.com", IsActive: true}
	if err := db.Create(&link2).Error; err == nil {
		t.Error("Expected error when creating link with duplicate code")
	}
}

func TestInactiveLinkPersistsFalse(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	link := Link{OwnerID: 1, Code: "off", TargetURL: "example.com", IsActive: false}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}

	var loaded Link
	db.First(&loaded, link.ID)
	if loaded.IsActive {
		t.Error("Expected link to stay inactive after create")
	}
}

func TestPasswordProtectedLinkRequiresHash(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	link := Link{OwnerID: 1, Code: "locked", TargetURL: "https://example.com", IsActive: true, IsPasswordProtected: true}
	err := db.Create(&link).Error
	if !errors.Is(err, ErrPasswordHashMissing) {
		t.Fatalf("Expected ErrPasswordHashMissing, got %v", err)
	}

	// A stored hash without protection is allowed
	hash := "$2a$10$abcdefghijklmnopqrstuv"
	link = Link{OwnerID: 1, Code: "unlocked", TargetURL: "https://example.com", IsActive: true, PasswordHash: &hash}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("Expected hash without protection to be accepted: %v", err)
	}
}

func TestABTestVariantsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	AutoMigrate(db)

	link := Link{OwnerID: 1, Code: "ab", TargetURL: "https://example.com", IsActive: true}
	db.Create(&link)

	test := ABTest{
		LinkID:   link.ID,
		IsActive: true,
		Variants: []Variant{
			{ID: "a", URL: "https://x.example.com", Weight: 70, Name: "A"},
			{ID: "b", URL: "https://y.example.com", Weight: 30, Name: "B"},
		},
	}
	if err := db.Create(&test).Error; err != nil {
		t.Fatalf("Failed to create A/B test: %v", err)
	}

	var loaded Link
	db.Preload("ABTest").First(&loaded, link.ID)
	if loaded.ABTest == nil {
		t.Fatal("Expected A/B test to be preloaded")
	}
	if len(loaded.ABTest.Variants) != 2 || loaded.ABTest.Variants[1].Weight != 30 {
		t.Errorf("Unexpected variants: %+v", loaded.ABTest.Variants)
	}

	// Only one test per link
	dup := ABTest{LinkID: link.ID, Variants: []Variant{{ID: "c", URL: "https://z.example.com", Weight: 1}}}
	if err := db.Create(&dup).Error; err == nil {
		t.Error("Expected error when creating a second A/B test for the same link")
	}
}

func TestValidateVariants(t *testing.T) {
	tests := []struct {
		name     string
		variants []Variant
		wantErr  bool
	}{
		{"empty", nil, true},
		{"valid", []Variant{{URL: "https://a.example.com", Weight: 50}, {URL: "b.example.com", Weight: 50}}, false},
		{"all zero weights", []Variant{{URL: "https://a.example.com"}, {URL: "https://b.example.com"}}, false},
		{"negative weight", []Variant{{URL: "https://a.example.com", Weight: -1}}, true},
		{"missing url", []Variant{{URL: "  ", Weight: 10}}, true},
		{"duplicate id", []Variant{{ID: "x", URL: "https://a.example.com"}, {ID: "x", URL: "https://b.example.com"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVariants(tt.variants)
			if tt.wantErr && !errors.Is(err, ErrInvalidVariant) {
				t.Errorf("Expected ErrInvalidVariant, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestCustomDomainExpectedTXT(t *testing.T) {
	d := CustomDomain{Domain: "go.example.com", VerificationToken: "tok123"}
	if got := d.ExpectedTXT(); got != "qr-verify=tok123" {
		t.Errorf("Expected qr-verify=tok123, got %s", got)
	}
}
