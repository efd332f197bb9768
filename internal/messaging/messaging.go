// Package messaging persists chat messages and reads them back in thread
// order.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deskchat/deskchat/internal/models"
	"gorm.io/gorm"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrValidation     = errors.New("invalid message")
	ErrThreadClosed   = errors.New("thread is closed")
	ErrDuplicate      = errors.New("message already stored")
	ErrPersistence    = errors.New("message store unavailable")
)

// MaxPageSize caps the limit accepted by GetThreadMessages.
const MaxPageSize = 200

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ThreadID    string
	SenderType  string
	SenderID    string
	Content     string
	ContentJSON string

	// CorrelationID, when set, makes a resend by the same sender return
	// the stored message instead of inserting a second copy.
	CorrelationID string
}

// Page is one window of a thread's history.
type Page struct {
	Messages []models.Message
	HasMore  bool
}

// Store is the message repository.
type Store struct {
	db     *gorm.DB
	maxLen int
	now    func() time.Time
}

// StoreOpts configures a Store.
type StoreOpts struct {
	DB            *gorm.DB
	MaxContentLen int // 0 means unlimited
	Now           func() time.Time
}

// NewStore validates opts and returns a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("messaging: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, maxLen: opts.MaxContentLen, now: now}, nil
}

// Validate checks a message before any storage round-trip.
func (s *Store) Validate(in NewMessage) error {
	if in.ThreadID == "" {
		return fmt.Errorf("messaging: %w: thread id is required", ErrValidation)
	}
	if in.SenderID == "" {
		return fmt.Errorf("messaging: %w: sender id is required", ErrValidation)
	}
	switch in.SenderType {
	case models.SenderAgent, models.SenderContact:
	default:
		return fmt.Errorf("messaging: %w: unknown sender type %q", ErrValidation, in.SenderType)
	}
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("messaging: %w: content is required", ErrValidation)
	}
	if s.maxLen > 0 && len([]rune(in.Content)) > s.maxLen {
		return fmt.Errorf("messaging: %w: content exceeds %d characters", ErrValidation, s.maxLen)
	}
	return nil
}

// CreateMessage persists a message and bumps the owning thread's
// LastActivityAt to the message's CreatedAt in the same transaction. The
// first message of a new or pending thread moves it to open. Closed threads
// refuse messages with ErrThreadClosed.
//
// When the sender already stored a message under the same CorrelationID,
// nothing is written and that message is returned together with an error
// wrapping ErrDuplicate.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (*models.Message, error) {
	if err := s.Validate(in); err != nil {
		return nil, err
	}

	senderID := in.SenderID
	msg := models.Message{
		ThreadID:    in.ThreadID,
		SenderType:  in.SenderType,
		SenderID:    &senderID,
		Content:     in.Content,
		ContentJSON: in.ContentJSON,
		Status:      models.MessageSent,
		CreatedAt:   s.now(),
	}
	if in.CorrelationID != "" {
		corr := in.CorrelationID
		msg.CorrelationID = &corr
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		err := tx.Select("id", "status").Where("id = ?", in.ThreadID).First(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		if err != nil {
			return err
		}

		if msg.CorrelationID != nil {
			var prior models.Message
			err := tx.Where("sender_id = ? AND correlation_id = ?", senderID, *msg.CorrelationID).First(&prior).Error
			if err == nil {
				msg = prior
				return ErrDuplicate
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if thread.Status == models.ThreadClosed {
			return ErrThreadClosed
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		stamp := map[string]interface{}{"last_activity_at": msg.CreatedAt}
		if thread.Status != models.ThreadOpen {
			stamp["status"] = models.ThreadOpen
		}
		return tx.Model(&models.Thread{}).Where("id = ?", in.ThreadID).Updates(stamp).Error
	})
	switch {
	case err == nil:
		return &msg, nil
	case errors.Is(err, ErrDuplicate):
		return &msg, fmt.Errorf("messaging: %w: %s", ErrDuplicate, in.CorrelationID)
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrThreadClosed):
		return nil, fmt.Errorf("messaging: %w: %s", err, in.ThreadID)
	default:
		return nil, fmt.Errorf("messaging: create: %w: %v", ErrPersistence, err)
	}
}

// GetThreadMessages returns up to limit messages of a thread in creation
// order, skipping offset. HasMore is set only when at least one further
// message exists beyond the page.
func (s *Store) GetThreadMessages(ctx context.Context, threadID string, limit, offset int) (*Page, error) {
	if threadID == "" {
		return nil, fmt.Errorf("messaging: %w: thread id is required", ErrValidation)
	}
	if limit <= 0 || limit > MaxPageSize {
		return nil, fmt.Errorf("messaging: %w: limit must be between 1 and %d", ErrValidation, MaxPageSize)
	}
	if offset < 0 {
		return nil, fmt.Errorf("messaging: %w: offset must not be negative", ErrValidation)
	}

	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").Order("id ASC").
		Limit(limit + 1).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: history %s: %w: %v", threadID, ErrPersistence, err)
	}

	page := &Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	return page, nil
}

// MarkMessagesAsRead stamps ReadAt on every unread message in the thread
// not sent by readerID and returns how many rows changed.
func (s *Store) MarkMessagesAsRead(ctx context.Context, threadID, readerID string) (int64, time.Time, error) {
	if threadID == "" || readerID == "" {
		return 0, time.Time{}, fmt.Errorf("messaging: %w: thread id and reader id are required", ErrValidation)
	}
	readAt := s.now()
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("thread_id = ? AND read_at IS NULL AND (sender_id IS NULL OR sender_id <> ?)", threadID, readerID).
		Updates(map[string]interface{}{"read_at": readAt, "status": models.MessageRead})
	if res.Error != nil {
		return 0, time.Time{}, fmt.Errorf("messaging: mark read %s: %w: %v", threadID, ErrPersistence, res.Error)
	}
	return res.RowsAffected, readAt, nil
}
