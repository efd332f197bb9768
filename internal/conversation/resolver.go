// Package conversation resolves and administers support threads.
//
// Active-thread policy: each tenant has one shared conversation. The
// resolver returns the tenant's most recently active thread in status new
// or open, creating one lazily when none exists. Creation is serialized per
// tenant so simultaneous first connections converge on a single thread.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deskchat/deskchat/internal/models"
	"gorm.io/gorm"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrThreadNotFound = errors.New("thread not found")
	ErrInvalidStatus  = errors.New("invalid thread status")
)

// Resolver finds or creates the active thread of a tenant.
type Resolver struct {
	db  *gorm.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ResolverOpts configures a Resolver.
type ResolverOpts struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewResolver validates opts and returns a Resolver.
func NewResolver(opts ResolverOpts) (*Resolver, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("conversation: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{db: opts.DB, now: now, locks: make(map[string]*sync.Mutex)}, nil
}

func (r *Resolver) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tenantID] = l
	}
	return l
}

// GetOrCreateActiveThread returns the tenant's most recently active thread
// in status new or open. When there is none, a thread with status new is
// created with createdBy set to userID (if non-empty).
func (r *Resolver) GetOrCreateActiveThread(ctx context.Context, tenantID, userID string) (*models.Thread, error) {
	l := r.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	var thread models.Thread
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Company{}).Where("id = ?", tenantID).Count(&n).Error; err != nil {
			return fmt.Errorf("lookup tenant: %w", err)
		}
		if n == 0 {
			return ErrTenantNotFound
		}

		err := tx.Where("company_id = ? AND status IN ?", tenantID, models.ActiveThreadStatuses).
			Order("last_activity_at DESC").Order("created_at DESC").
			First(&thread).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find active thread: %w", err)
		}

		thread = models.Thread{
			CompanyID:      tenantID,
			Subject:        models.DefaultThreadSubject,
			Status:         models.ThreadNew,
			LastActivityAt: r.now(),
		}
		if userID != "" {
			uid := userID
			thread.CreatedBy = &uid
		}
		if err := tx.Create(&thread).Error; err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, fmt.Errorf("conversation: %w: %s", ErrTenantNotFound, tenantID)
		}
		return nil, fmt.Errorf("conversation: get or create active thread: %w", err)
	}
	return &thread, nil
}

// GetThread loads a thread, failing with ErrThreadNotFound when it does not
// exist or belongs to another tenant.
func (r *Resolver) GetThread(ctx context.Context, tenantID, threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := r.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", threadID, tenantID).
		First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get thread: %w", err)
	}
	return &thread, nil
}

// ListThreads returns the tenant's threads, most recently active first.
func (r *Resolver) ListThreads(ctx context.Context, tenantID string, limit, offset int) ([]models.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var threads []models.Thread
	err := r.db.WithContext(ctx).
		Where("company_id = ?", tenantID).
		Order("last_activity_at DESC").Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&threads).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: list threads: %w", err)
	}
	return threads, nil
}

// ValidStatus reports whether s is a known thread status.
func ValidStatus(s string) bool {
	switch s {
	case models.ThreadNew, models.ThreadOpen, models.ThreadPending, models.ThreadClosed:
		return true
	}
	return false
}

// UpdateStatus moves a thread to status. Closing stamps ClosedAt; any other
// status clears it.
func (r *Resolver) UpdateStatus(ctx context.Context, tenantID, threadID, status string) (*models.Thread, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("conversation: %w: %q", ErrInvalidStatus, status)
	}
	updates := map[string]interface{}{"status": status, "closed_at": nil}
	if status == models.ThreadClosed {
		updates["closed_at"] = r.now()
	}
	res := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ? AND company_id = ?", threadID, tenantID).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("conversation: update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrThreadNotFound
	}
	return r.GetThread(ctx, tenantID, threadID)
}

// CloseThread marks a thread closed. The next resolver call for the tenant
// creates a fresh thread.
func (r *Resolver) CloseThread(ctx context.Context, tenantID, threadID string) (*models.Thread, error) {
	return r.UpdateStatus(ctx, tenantID, threadID, models.ThreadClosed)
}

// CloseIdle closes every active thread whose last activity is before cutoff
// and returns how many were closed.
func (r *Resolver) CloseIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("status IN ? AND last_activity_at < ?", models.ActiveThreadStatuses, cutoff).
		Updates(map[string]interface{}{"status": models.ThreadClosed, "closed_at": r.now()})
	if res.Error != nil {
		return 0, fmt.Errorf("conversation: close idle: %w", res.Error)
	}
	return res.RowsAffected, nil
}
