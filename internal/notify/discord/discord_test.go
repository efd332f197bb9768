package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/deskchat/deskchat/internal/notify"
)

type mockSession struct {
	errs []error
	sent []*discordgo.MessageSend
	chs  []string
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.chs = append(m.chs, channelID)
	m.sent = append(m.sent, data)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(NotifierOpts{BotToken: "tok"}); err == nil || !strings.Contains(err.Error(), "channel_id is required") {
		t.Errorf("err = %v", err)
	}
	if _, err := New(NotifierOpts{ChannelID: "1"}); err == nil || !strings.Contains(err.Error(), "bot_token is required") {
		t.Errorf("err = %v", err)
	}
	n, err := New(NotifierOpts{ChannelID: "1", BotToken: "tok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.baseBackoff != baseBackoff {
		t.Errorf("baseBackoff = %v", n.baseBackoff)
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	ms := &mockSession{}
	n, _ := New(NotifierOpts{ChannelID: "42", Session: ms})

	err := n.Notify(context.Background(), notify.Notice{SenderName: "Ana", Text: "oi", ThreadID: "th1"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(ms.sent) != 1 || ms.chs[0] != "42" {
		t.Fatalf("sent = %d chs = %v", len(ms.sent), ms.chs)
	}
	msg := ms.sent[0]
	if msg.Content != "New message from Ana" {
		t.Errorf("Content = %q", msg.Content)
	}
	if len(msg.Embeds) != 1 || msg.Embeds[0].Description != "oi" {
		t.Errorf("embeds = %+v", msg.Embeds)
	}
	if msg.Embeds[0].Color != 0x2196f3 {
		t.Errorf("Color = %x", msg.Embeds[0].Color)
	}
}

func TestNotify_RetriesOn429(t *testing.T) {
	ms := &mockSession{errs: []error{rateLimited(), rateLimited()}}
	n, _ := New(NotifierOpts{ChannelID: "42", Session: ms, BaseBackoff: time.Millisecond})

	if err := n.Notify(context.Background(), notify.Notice{Text: "oi"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(ms.sent) != 3 {
		t.Errorf("attempts = %d, want 3", len(ms.sent))
	}
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	var errs []error
	for i := 0; i <= maxRetries; i++ {
		errs = append(errs, rateLimited())
	}
	ms := &mockSession{errs: errs}
	n, _ := New(NotifierOpts{ChannelID: "42", Session: ms, BaseBackoff: time.Millisecond})

	if err := n.Notify(context.Background(), notify.Notice{Text: "oi"}); err == nil {
		t.Fatal("expected error")
	}
	if len(ms.sent) != maxRetries+1 {
		t.Errorf("attempts = %d, want %d", len(ms.sent), maxRetries+1)
	}
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	ms := &mockSession{errs: []error{errors.New("missing access")}}
	n, _ := New(NotifierOpts{ChannelID: "42", Session: ms, BaseBackoff: time.Millisecond})

	if err := n.Notify(context.Background(), notify.Notice{Text: "oi"}); err == nil {
		t.Fatal("expected error")
	}
	if len(ms.sent) != 1 {
		t.Errorf("attempts = %d, want 1", len(ms.sent))
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{
		"#36a64f": 0x36a64f,
		"FF9800":  0xff9800,
		"#E53935": 0xe53935,
		"":        0,
	}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %x, want %x", in, got, want)
		}
	}
}
