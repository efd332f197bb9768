package models

import (
	"time"

	"gorm.io/gorm"
)

// Thread statuses. New and open threads are "active".
const (
	ThreadNew     = "new"
	ThreadOpen    = "open"
	ThreadPending = "pending"
	ThreadClosed  = "closed"
)

// ActiveThreadStatuses lists the statuses a thread can be resolved from.
var ActiveThreadStatuses = []string{ThreadNew, ThreadOpen}

// DefaultThreadSubject is the subject of lazily-created tenant threads.
const DefaultThreadSubject = "General"

// Thread groups the messages of one conversation inside a company.
type Thread struct {
	ID             string    `gorm:"primaryKey;size:36"`
	CompanyID      string    `gorm:"size:36;not null;index:idx_thread_company_status"`
	ContactID      *string   `gorm:"size:36"`
	Subject        string    `gorm:"size:256"`
	Status         string    `gorm:"size:16;default:new;index:idx_thread_company_status"`
	LastActivityAt time.Time `gorm:"index"`
	CreatedBy      *string   `gorm:"size:36"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time

	Messages []Message `gorm:"foreignKey:ThreadID"`
}

// BeforeCreate assigns a random id when none was set.
func (t *Thread) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = ThreadNew
	}
	return nil
}

// IsActive reports whether the thread can still receive resolver traffic.
func (t *Thread) IsActive() bool {
	return t.Status == ThreadNew || t.Status == ThreadOpen
}
