package server

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/deskchat/deskchat/internal/models"
)

// ThreadRow is a thread as listed by the admin API.
type ThreadRow struct {
	ID             string     `json:"id"`
	Subject        string     `json:"subject"`
	Status         string     `json:"status"`
	CreatedBy      *string    `json:"createdBy,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	MessageCount   int64      `json:"messageCount"`
	Unread         int64      `json:"unread"`
}

func toRow(t models.Thread) ThreadRow {
	return ThreadRow{
		ID:             t.ID,
		Subject:        t.Subject,
		Status:         t.Status,
		CreatedBy:      t.CreatedBy,
		LastActivityAt: t.LastActivityAt,
		CreatedAt:      t.CreatedAt,
		ClosedAt:       t.ClosedAt,
	}
}

// ThreadSummary decorates threads with their message totals and the number
// of messages readerID has not read yet, in one grouped query.
func ThreadSummary(db *gorm.DB, threads []models.Thread, readerID string) ([]ThreadRow, error) {
	rows := make([]ThreadRow, len(threads))
	if len(threads) == 0 {
		return rows, nil
	}
	ids := make([]string, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
		rows[i] = toRow(t)
	}

	type count struct {
		ThreadID string
		Total    int64
		Unread   int64
	}
	var counts []count
	err := db.Model(&models.Message{}).
		Select("thread_id, count(*) AS total, "+
			"SUM(CASE WHEN read_at IS NULL AND (sender_id IS NULL OR sender_id <> ?) THEN 1 ELSE 0 END) AS unread", readerID).
		Where("thread_id IN ?", ids).
		Group("thread_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("server: thread summary: %w", err)
	}

	byThread := make(map[string]count, len(counts))
	for _, c := range counts {
		byThread[c.ThreadID] = c
	}
	for i := range rows {
		c := byThread[rows[i].ID]
		rows[i].MessageCount = c.Total
		rows[i].Unread = c.Unread
	}
	return rows, nil
}
