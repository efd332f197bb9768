package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/deskchat/deskchat/internal/config"
	"github.com/deskchat/deskchat/internal/db"
	"github.com/deskchat/deskchat/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

// fixture creates a company and a thread whose last activity is in the past.
func fixture(t *testing.T) (*gorm.DB, *Store, *models.Thread) {
	t.Helper()
	gdb := testDB(t)
	c, err := db.CreateCompany(gdb, "Acme", "")
	if err != nil {
		t.Fatal(err)
	}
	th := models.Thread{CompanyID: c.ID, LastActivityAt: time.Now().Add(-time.Hour)}
	if err := gdb.Create(&th).Error; err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(StoreOpts{DB: gdb, MaxContentLen: 20})
	if err != nil {
		t.Fatal(err)
	}
	return gdb, s, &th
}

func msg(threadID, sender, text string) NewMessage {
	return NewMessage{ThreadID: threadID, SenderType: models.SenderAgent, SenderID: sender, Content: text}
}

// --- Validation ---

func TestNewStore_NilDB(t *testing.T) {
	_, err := NewStore(StoreOpts{})
	if err == nil {
		t.Fatal("expected error for nil db")
	}
	if got := err.Error(); got != "messaging: db is required" {
		t.Errorf("error = %q", got)
	}
}

func TestValidate(t *testing.T) {
	s := &Store{maxLen: 5}
	tests := []struct {
		name string
		in   NewMessage
		want string
	}{
		{"missing thread", NewMessage{SenderType: "agent", SenderID: "u", Content: "hi"}, "thread id is required"},
		{"missing sender", NewMessage{ThreadID: "t", SenderType: "agent", Content: "hi"}, "sender id is required"},
		{"bad sender type", NewMessage{ThreadID: "t", SenderType: "bot", SenderID: "u", Content: "hi"}, "unknown sender type"},
		{"blank content", NewMessage{ThreadID: "t", SenderType: "agent", SenderID: "u", Content: "  \n"}, "content is required"},
		{"too long", NewMessage{ThreadID: "t", SenderType: "agent", SenderID: "u", Content: "abcdef"}, "exceeds 5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}

	if err := s.Validate(NewMessage{ThreadID: "t", SenderType: "contact", SenderID: "u", Content: "olá!"}); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
}

// --- CreateMessage ---

func TestCreateMessage_UpdatesLastActivity(t *testing.T) {
	gdb, s, th := fixture(t)

	m, err := s.CreateMessage(context.Background(), msg(th.ID, "u1", "hello"))
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if m.ID == 0 {
		t.Error("expected assigned id")
	}
	if m.Status != models.MessageSent {
		t.Errorf("Status = %q, want sent", m.Status)
	}
	if m.SenderID == nil || *m.SenderID != "u1" {
		t.Errorf("SenderID = %v", m.SenderID)
	}

	var got models.Thread
	gdb.First(&got, "id = ?", th.ID)
	if got.LastActivityAt.Before(m.CreatedAt) {
		t.Errorf("LastActivityAt %v is before message CreatedAt %v", got.LastActivityAt, m.CreatedAt)
	}
}

func TestCreateMessage_ThreadNotFound(t *testing.T) {
	gdb, s, _ := fixture(t)
	_, err := s.CreateMessage(context.Background(), msg("no-such-thread", "u1", "hello"))
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
	var n int64
	gdb.Model(&models.Message{}).Count(&n)
	if n != 0 {
		t.Errorf("message count = %d, want 0", n)
	}
}

func TestCreateMessage_ValidationBeforeStorage(t *testing.T) {
	// A nil-connection store would fail any query; validation must short-circuit.
	s := &Store{db: nil, maxLen: 0, now: time.Now}
	_, err := s.CreateMessage(context.Background(), msg("t", "u", ""))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCreateMessage_PersistenceError(t *testing.T) {
	gdb, s, th := fixture(t)
	sqlDB, _ := gdb.DB()
	sqlDB.Close()

	_, err := s.CreateMessage(context.Background(), msg(th.ID, "u1", "hello"))
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence", err)
	}
}

// A failed activity stamp rolls the message insert back.
func TestCreateMessage_StampFailureRollsBack(t *testing.T) {
	gdb, s, th := fixture(t)
	err := gdb.Callback().Update().Before("gorm:update").Register("test:fail_thread_stamp", func(tx *gorm.DB) {
		if tx.Statement.Table == "threads" {
			tx.AddError(errors.New("stamp rejected"))
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.CreateMessage(context.Background(), msg(th.ID, "u1", "hello"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	var n int64
	gdb.Model(&models.Message{}).Where("thread_id = ?", th.ID).Count(&n)
	if n != 0 {
		t.Errorf("message rows = %d, want 0 after rollback", n)
	}
	var got models.Thread
	gdb.First(&got, "id = ?", th.ID)
	if got.Status != models.ThreadNew {
		t.Errorf("Status = %q, want new after rollback", got.Status)
	}
}

func TestCreateMessage_OpensThread(t *testing.T) {
	tests := []struct {
		from string
	}{
		{models.ThreadNew},
		{models.ThreadPending},
		{models.ThreadOpen},
	}
	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			gdb, s, th := fixture(t)
			gdb.Model(&models.Thread{}).Where("id = ?", th.ID).Update("status", tt.from)

			if _, err := s.CreateMessage(context.Background(), msg(th.ID, "u1", "hello")); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
			var got models.Thread
			gdb.First(&got, "id = ?", th.ID)
			if got.Status != models.ThreadOpen {
				t.Errorf("Status = %q, want open", got.Status)
			}
		})
	}
}

func TestCreateMessage_ClosedThread(t *testing.T) {
	gdb, s, th := fixture(t)
	gdb.Model(&models.Thread{}).Where("id = ?", th.ID).Update("status", models.ThreadClosed)

	_, err := s.CreateMessage(context.Background(), msg(th.ID, "u1", "too late"))
	if !errors.Is(err, ErrThreadClosed) {
		t.Fatalf("err = %v, want ErrThreadClosed", err)
	}
	var n int64
	gdb.Model(&models.Message{}).Count(&n)
	if n != 0 {
		t.Errorf("message count = %d, want 0", n)
	}
}

func TestCreateMessage_DuplicateCorrelation(t *testing.T) {
	gdb, s, th := fixture(t)
	ctx := context.Background()
	in := msg(th.ID, "u1", "hello")
	in.CorrelationID = "corr-1"

	first, err := s.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if first.CorrelationID == nil || *first.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %v", first.CorrelationID)
	}

	again, err := s.CreateMessage(ctx, in)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("duplicate returned %+v, want message %d", again, first.ID)
	}

	// Same correlation id from another sender is a different message.
	other := in
	other.SenderID = "u2"
	if _, err := s.CreateMessage(ctx, other); err != nil {
		t.Errorf("other sender: %v", err)
	}
	// Messages without a correlation id never collide.
	for i := 0; i < 2; i++ {
		if _, err := s.CreateMessage(ctx, msg(th.ID, "u1", "plain")); err != nil {
			t.Fatalf("plain %d: %v", i, err)
		}
	}

	var n int64
	gdb.Model(&models.Message{}).Where("thread_id = ?", th.ID).Count(&n)
	if n != 4 {
		t.Errorf("message rows = %d, want 4", n)
	}
}

// A resend is recognised even after the original thread was closed.
func TestCreateMessage_DuplicateInClosedThread(t *testing.T) {
	gdb, s, th := fixture(t)
	in := msg(th.ID, "u1", "hello")
	in.CorrelationID = "corr-2"
	first, err := s.CreateMessage(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	gdb.Model(&models.Thread{}).Where("id = ?", th.ID).Update("status", models.ThreadClosed)

	again, err := s.CreateMessage(context.Background(), in)
	if !errors.Is(err, ErrDuplicate) || again.ID != first.ID {
		t.Errorf("got %v, %v; want duplicate of %d", again, err, first.ID)
	}
}

// --- GetThreadMessages ---

func seed(t *testing.T, s *Store, threadID string, n int) []*models.Message {
	t.Helper()
	out := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := s.CreateMessage(context.Background(), msg(threadID, "u1", fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}

func TestGetThreadMessages_ExactlyLimit(t *testing.T) {
	_, s, th := fixture(t)
	seed(t, s, th.ID, 50)
	ctx := context.Background()

	first, err := s.GetThreadMessages(ctx, th.ID, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Messages) != 50 || first.HasMore {
		t.Errorf("page 0: len=%d hasMore=%v, want 50/false", len(first.Messages), first.HasMore)
	}

	second, err := s.GetThreadMessages(ctx, th.ID, 50, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Messages) != 0 || second.HasMore {
		t.Errorf("page 1: len=%d hasMore=%v, want 0/false", len(second.Messages), second.HasMore)
	}
}

func TestGetThreadMessages_PagesConcatenate(t *testing.T) {
	_, s, th := fixture(t)
	created := seed(t, s, th.ID, 23)
	ctx := context.Background()

	var all []models.Message
	for page := 0; ; page++ {
		p, err := s.GetThreadMessages(ctx, th.ID, 5, page*5)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, p.Messages...)
		if !p.HasMore {
			break
		}
		if page > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if len(all) != len(created) {
		t.Fatalf("got %d messages, want %d", len(all), len(created))
	}
	for i := range all {
		if all[i].ID != created[i].ID {
			t.Errorf("position %d: id %d, want %d", i, all[i].ID, created[i].ID)
		}
		if i > 0 && all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("position %d: createdAt decreases", i)
		}
	}
}

func TestGetThreadMessages_SameInstantOrderedByID(t *testing.T) {
	gdb := testDB(t)
	c, _ := db.CreateCompany(gdb, "Acme", "")
	th := models.Thread{CompanyID: c.ID, LastActivityAt: time.Now()}
	gdb.Create(&th)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, _ := NewStore(StoreOpts{DB: gdb, Now: func() time.Time { return fixed }})
	created := seed(t, s, th.ID, 4)

	p, err := s.GetThreadMessages(context.Background(), th.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := range created {
		if p.Messages[i].ID != created[i].ID {
			t.Errorf("position %d: id %d, want %d", i, p.Messages[i].ID, created[i].ID)
		}
	}
}

func TestGetThreadMessages_BadArgs(t *testing.T) {
	_, s, th := fixture(t)
	ctx := context.Background()
	for _, tc := range []struct {
		thread        string
		limit, offset int
	}{
		{"", 10, 0},
		{th.ID, 0, 0},
		{th.ID, MaxPageSize + 1, 0},
		{th.ID, 10, -1},
	} {
		if _, err := s.GetThreadMessages(ctx, tc.thread, tc.limit, tc.offset); !errors.Is(err, ErrValidation) {
			t.Errorf("%+v: err = %v, want ErrValidation", tc, err)
		}
	}
}

// --- MarkMessagesAsRead ---

func TestMarkMessagesAsRead(t *testing.T) {
	gdb, s, th := fixture(t)
	ctx := context.Background()
	s.CreateMessage(ctx, msg(th.ID, "alice", "a1"))
	s.CreateMessage(ctx, msg(th.ID, "alice", "a2"))
	s.CreateMessage(ctx, msg(th.ID, "bob", "b1"))

	n, readAt, err := s.MarkMessagesAsRead(ctx, th.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2", n)
	}
	if readAt.IsZero() {
		t.Error("readAt not set")
	}

	var own models.Message
	gdb.Where("sender_id = ?", "bob").First(&own)
	if own.ReadAt != nil {
		t.Error("reader's own message must not be marked read")
	}

	again, _, err := s.MarkMessagesAsRead(ctx, th.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second mark = %d, want 0", again)
	}

	var read []models.Message
	gdb.Where("sender_id = ?", "alice").Find(&read)
	for _, m := range read {
		if m.ReadAt == nil || m.Status != models.MessageRead {
			t.Errorf("message %d not read: %+v", m.ID, m)
		}
	}
}
