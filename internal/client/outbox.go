package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskchat/deskchat/internal/gateway"
)

// Status is the lifecycle position of a message as seen by this client.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Confirmed reports whether the server has persisted the message.
func (s Status) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

var (
	ErrUnknownEntry = errors.New("client: unknown correlation id")
	ErrNotRetryable = errors.New("client: only failed messages can be retried")
)

// Entry is one message on the local timeline.
type Entry struct {
	CorrelationID string // empty for messages from other participants
	ServerID      uint   // zero until the server confirms
	Text          string
	ThreadID      string
	SenderID      string
	SenderName    string
	Status        Status
	CreatedAt     time.Time
	Err           error
	Remote        bool
	seq           int
}

// Outbox is the local timeline: optimistic sends plus everything the server
// has shown us. Safe for concurrent use.
type Outbox struct {
	mu       sync.Mutex
	seq      int
	entries  []*Entry
	byCorr   map[string]*Entry
	byServer map[uint]*Entry
	now      func() time.Time
}

// NewOutbox returns an empty timeline. now defaults to time.Now.
func NewOutbox(now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{
		byCorr:   make(map[string]*Entry),
		byServer: make(map[uint]*Entry),
		now:      now,
	}
}

func (o *Outbox) insertLocked(e *Entry) {
	o.seq++
	e.seq = o.seq
	o.entries = append(o.entries, e)
	if e.CorrelationID != "" {
		o.byCorr[e.CorrelationID] = e
	}
	if e.ServerID != 0 {
		o.byServer[e.ServerID] = e
	}
}

// promote moves e forward. Server evidence also lifts an entry out of failed.
func promote(e *Entry, to Status) bool {
	if e.Status == StatusFailed {
		if !to.Confirmed() {
			return false
		}
		e.Status, e.Err = to, nil
		return true
	}
	if statusRank[to] <= statusRank[e.Status] {
		return false
	}
	e.Status = to
	return true
}

// Add inserts an optimistic pending entry and returns a copy of it.
func (o *Outbox) Add(text, threadID string) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := &Entry{
		CorrelationID: uuid.NewString(),
		Text:          text,
		ThreadID:      threadID,
		Status:        StatusPending,
		CreatedAt:     o.now(),
	}
	o.insertLocked(e)
	return *e
}

// MarkSending records that the entry has been written to the socket.
func (o *Outbox) MarkSending(correlationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byCorr[correlationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, correlationID)
	}
	promote(e, StatusSending)
	return nil
}

// Ack applies a messageDelivered acknowledgement. If the broadcast copy
// already arrived it is folded into the local entry.
func (o *Outbox) Ack(correlationID string, msg gateway.MessageDTO) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byCorr[correlationID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, correlationID)
	}
	target := StatusSent
	if dup, seen := o.byServer[msg.ID]; seen && dup != e {
		if statusRank[dup.Status] > statusRank[target] {
			target = dup.Status
		}
		o.removeLocked(dup)
	}
	o.confirmLocked(e, msg)
	promote(e, target)
	return *e, nil
}

func (o *Outbox) confirmLocked(e *Entry, msg gateway.MessageDTO) {
	e.ServerID = msg.ID
	e.ThreadID = msg.ThreadID
	e.SenderID = msg.SenderID
	if msg.SenderName != "" {
		e.SenderName = msg.SenderName
	}
	if !msg.CreatedAt.IsZero() {
		e.CreatedAt = msg.CreatedAt
	}
	o.byServer[msg.ID] = e
}

func (o *Outbox) removeLocked(dup *Entry) {
	for i, e := range o.entries {
		if e == dup {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			break
		}
	}
	delete(o.byServer, dup.ServerID)
	if dup.CorrelationID != "" {
		delete(o.byCorr, dup.CorrelationID)
	}
}

// Observe applies a persisted message seen on the wire. A known message is
// promoted to delivered (or further, if the server says so); an unknown one
// is inserted as a remote entry. Reports whether a new entry was inserted.
func (o *Outbox) Observe(msg gateway.MessageDTO) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observeLocked(msg)
}

func (o *Outbox) observeLocked(msg gateway.MessageDTO) bool {
	target := StatusDelivered
	if Status(msg.Status) == StatusRead {
		target = StatusRead
	}
	if e, ok := o.byServer[msg.ID]; ok {
		promote(e, target)
		return false
	}
	if e, ok := o.byCorr[msg.CorrelationID]; ok && msg.CorrelationID != "" && e.ServerID == 0 {
		// Our own send whose ack never arrived.
		o.confirmLocked(e, msg)
		promote(e, target)
		return false
	}
	o.insertLocked(&Entry{
		ServerID:   msg.ID,
		Text:       msg.Text,
		ThreadID:   msg.ThreadID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Status:     target,
		CreatedAt:  msg.CreatedAt,
		Remote:     true,
	})
	return true
}

// MarkRead applies a messagesRead notice: confirmed messages in threadID not
// sent by readerID become read. Returns the number of entries changed.
func (o *Outbox) MarkRead(threadID, readerID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.ThreadID != threadID || e.ServerID == 0 || e.SenderID == readerID {
			continue
		}
		if promote(e, StatusRead) {
			n++
		}
	}
	return n
}

// Fail marks an unconfirmed entry failed. Confirmed entries are left alone,
// so a late timeout cannot undo an acknowledgement.
func (o *Outbox) Fail(correlationID string, err error) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byCorr[correlationID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, correlationID)
	}
	if !e.Status.Confirmed() {
		e.Status = StatusFailed
		e.Err = err
	}
	return *e, nil
}

// Retry moves a failed entry back to pending, keeping its original text.
func (o *Outbox) Retry(correlationID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byCorr[correlationID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, correlationID)
	}
	if e.Status != StatusFailed {
		return *e, ErrNotRetryable
	}
	e.Status = StatusPending
	e.Err = nil
	return *e, nil
}

// ReplaceHistory installs a server history snapshot. Entries not yet
// confirmed by the server stay on the timeline unless msgs holds their
// correlation id, in which case they are confirmed from it. Confirmed
// entries are rebuilt from msgs, keeping correlation ids and the furthest
// known status. Confirmed entries with a server id above every id in msgs
// arrived live after the snapshot was taken and are kept as well.
func (o *Outbox) ReplaceHistory(msgs []gateway.MessageDTO) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var newest uint
	for _, m := range msgs {
		if m.ID > newest {
			newest = m.ID
		}
	}

	old := o.byServer
	unconfirmed := make(map[string]*Entry)
	keep := make([]*Entry, 0, len(o.entries))
	for _, e := range o.entries {
		if e.ServerID == 0 || e.ServerID > newest {
			keep = append(keep, e)
		}
		if e.ServerID == 0 && e.CorrelationID != "" {
			unconfirmed[e.CorrelationID] = e
		}
	}
	o.entries = nil
	o.byCorr = make(map[string]*Entry)
	o.byServer = make(map[uint]*Entry)

	folded := make(map[*Entry]bool)
	for _, m := range msgs {
		prev, ok := old[m.ID]
		if !ok && m.CorrelationID != "" {
			prev, ok = unconfirmed[m.CorrelationID]
			folded[prev] = ok
		}
		if ok {
			o.insertLocked(prev)
			o.confirmLocked(prev, m)
			o.observeLocked(m)
			continue
		}
		o.observeLocked(m)
	}
	for _, e := range keep {
		if !folded[e] {
			o.insertLocked(e)
		}
	}
}

// Get returns a copy of the entry with correlationID.
func (o *Outbox) Get(correlationID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byCorr[correlationID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns the timeline: confirmed messages in server order
// (createdAt, id), then unconfirmed ones in the order they were added.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ac, bc := a.ServerID != 0, b.ServerID != 0
		if ac != bc {
			return ac
		}
		if !ac {
			return a.seq < b.seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ServerID < b.ServerID
	})
	return out
}

// Len reports the number of entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
