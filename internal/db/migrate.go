package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deskchat/deskchat/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by deskchat.
func AllModels() []interface{} {
	return []interface{}{
		&models.Company{},
		&models.User{},
		&models.Thread{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// CreateCompany inserts a new tenant.
func CreateCompany(db *gorm.DB, name, cnpj string) (*models.Company, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("db: create company: name is required")
	}
	c := models.Company{Name: name, CNPJ: cnpj}
	if err := db.Create(&c).Error; err != nil {
		return nil, fmt.Errorf("db: create company %q: %w", name, err)
	}
	return &c, nil
}

// EnsureDemoCompany returns the company with the given name, creating it if
// no such company exists yet. Used only when the demo tenant is enabled.
func EnsureDemoCompany(db *gorm.DB, name string) (*models.Company, error) {
	var c models.Company
	err := db.Where("name = ?", name).Order("created_at ASC").First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("db: find demo company: %w", err)
	}
	return CreateCompany(db, name, "")
}
