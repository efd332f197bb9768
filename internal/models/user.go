package models

import (
	"time"

	"gorm.io/gorm"
)

// User roles.
const (
	RoleAgent   = "agent"
	RoleContact = "contact"
)

// User is an authenticated identity scoped to one company. Deactivated users
// (Active=false) can no longer log in, refresh tokens, or open connections.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Name         string `gorm:"size:128;not null"`
	Email        string `gorm:"size:255;not null;uniqueIndex"`
	PasswordHash string `gorm:"size:255;not null"`
	Role         string `gorm:"size:16;default:agent"`
	CompanyID    string `gorm:"size:36;not null;index"`
	Active       bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Company Company `gorm:"foreignKey:CompanyID"`
}

// BeforeCreate assigns a random id when none was set.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.Role == "" {
		u.Role = RoleAgent
	}
	return nil
}
