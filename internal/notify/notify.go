// Package notify tells agents about inbound contact messages on external
// chat platforms (Slack, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Sidebar colors used by platform renderings.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
)

// maxPreview bounds the message excerpt carried in a notification.
const maxPreview = 280

// Notice describes a contact message that agents should look at.
type Notice struct {
	TenantID   string
	ThreadID   string
	SenderName string
	SenderID   string
	Text       string
	CreatedAt  time.Time
}

// Notifier delivers a Notice somewhere outside the gateway.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Field is a key-value pair shown alongside an event.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Event is the platform-neutral rendering of a Notice.
type Event struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Format renders a Notice for display in chat.
func Format(n Notice) Event {
	sender := strings.TrimSpace(n.SenderName)
	if sender == "" {
		sender = "a contact"
	}
	ev := Event{
		Title: fmt.Sprintf("New message from %s", sender),
		Body:  Preview(n.Text),
		Color: ColorInfo,
		Fields: []Field{
			{Name: "Thread", Value: n.ThreadID, Short: true},
			{Name: "Tenant", Value: n.TenantID, Short: true},
		},
	}
	if !n.CreatedAt.IsZero() {
		ev.Fields = append(ev.Fields, Field{
			Name:  "Sent",
			Value: n.CreatedAt.UTC().Format(time.RFC3339),
			Short: true,
		})
	}
	return ev
}

// Preview shortens text to at most maxPreview runes, adding an ellipsis
// when it had to cut.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxPreview {
		return text
	}
	return string(r[:maxPreview-1]) + "…"
}

// Multi fans a Notice out to several notifiers. A failing notifier does not
// stop the others; failures are logged and returned joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			log.Warn().Err(err).
				Str("tenant", n.TenantID).
				Str("thread", n.ThreadID).
				Msg("notify failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, n Notice) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }
