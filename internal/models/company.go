package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultPlan is assigned to companies created without an explicit plan.
const DefaultPlan = "ESSENTIAL"

// Company is a tenant. Every user, thread, and message belongs to exactly one.
type Company struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:128;not null;index"`
	CNPJ      string `gorm:"size:32"`
	Plan      string `gorm:"size:32;default:ESSENTIAL"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Users   []User   `gorm:"foreignKey:CompanyID"`
	Threads []Thread `gorm:"foreignKey:CompanyID"`
}

// BeforeCreate assigns a random id when none was set.
func (c *Company) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.Plan == "" {
		c.Plan = DefaultPlan
	}
	return nil
}

// NewID returns a fresh string identifier for companies, users and threads.
func NewID() string {
	return uuid.NewString()
}
