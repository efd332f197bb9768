package client

import (
	"errors"
	"testing"
	"time"

	"github.com/deskchat/deskchat/internal/gateway"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

func dto(id uint, sender, text string, at time.Time) gateway.MessageDTO {
	return gateway.MessageDTO{ID: id, Text: text, SenderID: sender, ThreadID: "th", Status: "sent", CreatedAt: at}
}

func TestOutbox_AddAckObserve(t *testing.T) {
	o := NewOutbox(fixedNow)
	e := o.Add("hello", "th")
	if e.Status != StatusPending || e.CorrelationID == "" || e.Remote {
		t.Fatalf("added = %+v", e)
	}
	if err := o.MarkSending(e.CorrelationID); err != nil {
		t.Fatal(err)
	}

	acked, err := o.Ack(e.CorrelationID, dto(7, "me", "hello", t0.Add(time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if acked.Status != StatusSent || acked.ServerID != 7 || !acked.CreatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("acked = %+v", acked)
	}

	if inserted := o.Observe(dto(7, "me", "hello", t0.Add(time.Second))); inserted {
		t.Error("echo inserted a duplicate")
	}
	got, _ := o.Get(e.CorrelationID)
	if got.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if o.Len() != 1 {
		t.Errorf("len = %d, want 1", o.Len())
	}
}

func TestOutbox_EchoBeforeAckIsMerged(t *testing.T) {
	o := NewOutbox(fixedNow)
	e := o.Add("hi", "th")
	o.Observe(dto(3, "me", "hi", t0))
	if o.Len() != 2 {
		t.Fatalf("len = %d before ack", o.Len())
	}
	acked, err := o.Ack(e.CorrelationID, dto(3, "me", "hi", t0))
	if err != nil {
		t.Fatal(err)
	}
	if o.Len() != 1 {
		t.Errorf("len = %d after ack, want 1", o.Len())
	}
	if acked.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered carried over from echo", acked.Status)
	}
}

func TestOutbox_StatusNeverMovesBackward(t *testing.T) {
	o := NewOutbox(fixedNow)
	e := o.Add("x", "th")
	o.Ack(e.CorrelationID, dto(1, "me", "x", t0))
	o.Observe(dto(1, "me", "x", t0))
	if n := o.MarkRead("th", "other"); n != 1 {
		t.Fatalf("MarkRead = %d", n)
	}
	o.Observe(dto(1, "me", "x", t0))
	if _, err := o.Fail(e.CorrelationID, errors.New("late timeout")); err != nil {
		t.Fatal(err)
	}
	got, _ := o.Get(e.CorrelationID)
	if got.Status != StatusRead || got.Err != nil {
		t.Errorf("status = %s err = %v, want read", got.Status, got.Err)
	}
}

func TestOutbox_MarkReadSkipsReaderOwnMessages(t *testing.T) {
	o := NewOutbox(fixedNow)
	o.Observe(dto(1, "alice", "a", t0))
	o.Observe(dto(2, "bob", "b", t0.Add(time.Second)))
	other := dto(3, "alice", "c", t0)
	other.ThreadID = "other"
	o.Observe(other)

	if n := o.MarkRead("th", "bob"); n != 1 {
		t.Errorf("MarkRead = %d, want 1", n)
	}
	for _, e := range o.Entries() {
		want := StatusDelivered
		if e.ServerID == 1 {
			want = StatusRead
		}
		if e.Status != want {
			t.Errorf("entry %d status = %s, want %s", e.ServerID, e.Status, want)
		}
	}
}

func TestOutbox_FailRetry(t *testing.T) {
	o := NewOutbox(fixedNow)
	e := o.Add("keep me", "th")
	if _, err := o.Retry(e.CorrelationID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry pending: err = %v", err)
	}

	failed, err := o.Fail(e.CorrelationID, ErrTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusFailed || !errors.Is(failed.Err, ErrTimeout) || failed.Text != "keep me" {
		t.Errorf("failed = %+v", failed)
	}

	again, err := o.Retry(e.CorrelationID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusPending || again.Err != nil || again.Text != "keep me" || again.CorrelationID != e.CorrelationID {
		t.Errorf("retried = %+v", again)
	}
}

func TestOutbox_AckAfterFailure(t *testing.T) {
	o := NewOutbox(fixedNow)
	e := o.Add("slow", "th")
	o.Fail(e.CorrelationID, ErrTimeout)
	acked, err := o.Ack(e.CorrelationID, dto(9, "me", "slow", t0))
	if err != nil {
		t.Fatal(err)
	}
	if acked.Status != StatusSent || acked.Err != nil {
		t.Errorf("acked = %+v", acked)
	}
}

func TestOutbox_UnknownCorrelation(t *testing.T) {
	o := NewOutbox(nil)
	if _, err := o.Ack("nope", dto(1, "", "", t0)); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("Ack err = %v", err)
	}
	if _, err := o.Fail("nope", nil); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("Fail err = %v", err)
	}
	if err := o.MarkSending("nope"); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("MarkSending err = %v", err)
	}
}

func TestOutbox_ReplaceHistoryKeepsUnsent(t *testing.T) {
	o := NewOutbox(fixedNow)
	mine := o.Add("acked", "th")
	o.Ack(mine.CorrelationID, dto(2, "me", "acked", t0.Add(2*time.Second)))
	pending := o.Add("pending", "th")
	failed := o.Add("failed", "th")
	o.Fail(failed.CorrelationID, ErrTimeout)

	o.ReplaceHistory([]gateway.MessageDTO{
		dto(1, "other", "first", t0),
		dto(2, "me", "acked", t0.Add(2*time.Second)),
	})

	es := o.Entries()
	if len(es) != 4 {
		t.Fatalf("entries = %d, want 4", len(es))
	}
	wantText := []string{"first", "acked", "pending", "failed"}
	for i, e := range es {
		if e.Text != wantText[i] {
			t.Errorf("entries[%d] = %q, want %q", i, e.Text, wantText[i])
		}
	}
	if es[1].CorrelationID != mine.CorrelationID || es[1].Status != StatusDelivered {
		t.Errorf("acked entry = %+v", es[1])
	}
	if got, ok := o.Get(pending.CorrelationID); !ok || got.Status != StatusPending {
		t.Errorf("pending entry = %+v ok=%v", got, ok)
	}
	if got, _ := o.Get(failed.CorrelationID); got.Status != StatusFailed {
		t.Errorf("failed entry status = %s", got.Status)
	}
}

func TestOutbox_ReplaceHistoryKeepsNewerLiveMessages(t *testing.T) {
	o := NewOutbox(fixedNow)
	o.Observe(dto(1, "other", "stale", t0))
	o.Observe(dto(7, "other", "live", t0.Add(time.Minute)))

	o.ReplaceHistory([]gateway.MessageDTO{
		dto(3, "other", "first", t0),
		dto(4, "other", "second", t0.Add(time.Second)),
	})

	es := o.Entries()
	want := []string{"first", "second", "live"}
	if len(es) != len(want) {
		t.Fatalf("entries = %d, want %d", len(es), len(want))
	}
	for i := range want {
		if es[i].Text != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, es[i].Text, want[i])
		}
	}
}

// A failed send whose message did reach the server is confirmed by the
// broadcast copy rather than shown twice.
func TestOutbox_ObserveConfirmsFailedOwnMessage(t *testing.T) {
	o := NewOutbox(fixedNow)
	e := o.Add("hello", "th")
	o.MarkSending(e.CorrelationID)
	o.Fail(e.CorrelationID, ErrTimeout)

	m := dto(9, "me", "hello", t0)
	m.CorrelationID = e.CorrelationID
	if inserted := o.Observe(m); inserted {
		t.Error("own message inserted as a remote entry")
	}
	got, _ := o.Get(e.CorrelationID)
	if got.Status != StatusDelivered || got.ServerID != 9 || got.Err != nil {
		t.Errorf("entry = %+v", got)
	}
	if o.Len() != 1 {
		t.Errorf("Len = %d, want 1", o.Len())
	}
	if _, err := o.Retry(e.CorrelationID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry err = %v, want ErrNotRetryable", err)
	}
}

// After a reconnect, history carrying a failed entry's correlation id
// confirms that entry in place.
func TestOutbox_ReplaceHistoryConfirmsFailedOwnMessage(t *testing.T) {
	o := NewOutbox(fixedNow)
	stored := o.Add("stored", "th")
	o.Fail(stored.CorrelationID, ErrTimeout)
	lost := o.Add("lost", "th")
	o.Fail(lost.CorrelationID, ErrTimeout)

	m := dto(2, "me", "stored", t0)
	m.CorrelationID = stored.CorrelationID
	o.ReplaceHistory([]gateway.MessageDTO{dto(1, "other", "hi", t0), m})

	if o.Len() != 3 {
		t.Fatalf("Len = %d, want 3", o.Len())
	}
	got, _ := o.Get(stored.CorrelationID)
	if got.ServerID != 2 || !got.Status.Confirmed() {
		t.Errorf("stored entry = %+v", got)
	}
	got, _ = o.Get(lost.CorrelationID)
	if got.Status != StatusFailed || got.ServerID != 0 {
		t.Errorf("lost entry = %+v", got)
	}
	es := o.Entries()
	if es[0].Text != "hi" || es[1].Text != "stored" || es[2].Text != "lost" {
		t.Errorf("order = %q %q %q", es[0].Text, es[1].Text, es[2].Text)
	}
}

func TestOutbox_EntriesOrder(t *testing.T) {
	o := NewOutbox(fixedNow)
	o.Observe(dto(5, "a", "late", t0.Add(time.Minute)))
	o.Observe(dto(4, "a", "tie-b", t0))
	o.Observe(dto(3, "a", "tie-a", t0))
	o.Add("local", "th")

	es := o.Entries()
	want := []string{"tie-a", "tie-b", "late", "local"}
	for i := range want {
		if es[i].Text != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, es[i].Text, want[i])
		}
	}
}
