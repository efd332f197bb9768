// Package client is a Go client for the chat gateway. It keeps a local
// timeline (Outbox) in which sends appear immediately as pending entries
// and are reconciled with server acknowledgements by correlation id.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/gateway"
)

const (
	defaultAckTimeout = 10 * time.Second
	defaultTypingTTL  = 3 * time.Second
	writeTimeout      = 10 * time.Second
)

var (
	ErrTimeout      = errors.New("client: timed out waiting for acknowledgement")
	ErrNotConnected = errors.New("client: not connected")
	ErrAuth         = errors.New("client: authentication failed")
)

// ServerError is an error reported by the gateway for one request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server error %s: %s", e.Code, e.Message)
}

// Opts configures Dial.
type Opts struct {
	URL        string // ws:// or wss:// gateway endpoint
	Token      string
	Dialer     *websocket.Dialer // defaults to websocket.DefaultDialer
	AckTimeout time.Duration     // defaults to 10s
	TypingTTL  time.Duration     // defaults to 3s
	Now        func() time.Time

	// OnEvent, when set, is called from the read loop for every frame.
	OnEvent func(gateway.Envelope)
}

type ackResult struct {
	entry Entry
	err   error
}

// Client is one authenticated gateway connection.
type Client struct {
	opts    Opts
	ws      *websocket.Conn
	outbox  *Outbox
	log     zerolog.Logger
	writeMu sync.Mutex

	mu       sync.Mutex
	identity auth.Identity
	threadID string
	acks     map[string]chan ackResult
	replies  map[string]chan gateway.Envelope
	typing   map[string]time.Time
	online   []gateway.OnlineUser
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, authenticates and starts the read loop. It returns once
// the gateway has sent history and authenticated, or fails with ErrAuth
// when the gateway rejects the token.
func Dial(ctx context.Context, opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrAuth)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = defaultTypingTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	header := http.Header{"Authorization": []string{"Bearer " + opts.Token}}
	ws, _, err := opts.Dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", opts.URL, err)
	}

	c := &Client{
		opts:    opts,
		ws:      ws,
		outbox:  NewOutbox(opts.Now),
		log:     log.With().Str("component", "client").Logger(),
		acks:    make(map[string]chan ackResult),
		replies: make(map[string]chan gateway.Envelope),
		typing:  make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// handshake reads frames until authenticated or auth_error.
func (c *Client) handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	}
	defer c.ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: handshake: %w", err)
		}
		var env gateway.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case gateway.EventAuthError:
			var p gateway.AuthErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			return fmt.Errorf("%w: %s", ErrAuth, p.Message)
		case gateway.EventAuthenticated:
			var p gateway.AuthenticatedPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return fmt.Errorf("client: handshake: %w", err)
			}
			c.mu.Lock()
			c.identity = p.Identity
			c.threadID = p.ThreadID
			c.mu.Unlock()
			c.notify(env)
			return nil
		default:
			c.handle(env)
		}
	}
}

func (c *Client) readLoop() {
	var err error
	for {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			break
		}
		var env gateway.Envelope
		if json.Unmarshal(data, &env) != nil {
			c.log.Debug().Msg("dropping malformed frame")
			continue
		}
		c.handle(env)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.shutdown()
}

func (c *Client) notify(env gateway.Envelope) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(env)
	}
}

// handle applies one inbound frame to local state and wakes any waiter.
func (c *Client) handle(env gateway.Envelope) {
	switch env.Event {
	case gateway.EventHistory:
		var msgs []gateway.MessageDTO
		if json.Unmarshal(env.Data, &msgs) == nil {
			c.outbox.ReplaceHistory(msgs)
		}
	case gateway.EventMessage:
		var m gateway.MessageDTO
		if json.Unmarshal(env.Data, &m) == nil {
			c.outbox.Observe(m)
		}
	case gateway.EventMessageDelivered:
		var p gateway.DeliveredPayload
		if json.Unmarshal(env.Data, &p) != nil {
			break
		}
		e, err := c.outbox.Ack(p.CorrelationID, p.Message)
		if err != nil {
			// Sent from another process with our identity.
			c.outbox.Observe(p.Message)
			break
		}
		if p.ThreadID != "" {
			// The gateway moves a session off a closed thread.
			c.mu.Lock()
			c.threadID = p.ThreadID
			c.mu.Unlock()
		}
		c.resolveAck(p.CorrelationID, ackResult{entry: e})
	case gateway.EventMessageError:
		var p gateway.MessageErrorPayload
		if json.Unmarshal(env.Data, &p) != nil {
			break
		}
		serr := &ServerError{Code: p.Code, Message: p.Message}
		e, err := c.outbox.Fail(p.CorrelationID, serr)
		if err == nil {
			c.resolveAck(p.CorrelationID, ackResult{entry: e, err: serr})
		}
	case gateway.EventMessagesRead:
		var p gateway.MessagesReadPayload
		if json.Unmarshal(env.Data, &p) == nil {
			c.outbox.MarkRead(p.ThreadID, p.ReaderID)
		}
	case gateway.EventUserTyping:
		var p gateway.TypingPayload
		if json.Unmarshal(env.Data, &p) != nil {
			break
		}
		c.mu.Lock()
		if p.IsTyping {
			c.typing[p.UserID] = c.opts.Now().Add(c.opts.TypingTTL)
		} else {
			delete(c.typing, p.UserID)
		}
		c.mu.Unlock()
	case gateway.EventOnlineUsers:
		var users []gateway.OnlineUser
		if json.Unmarshal(env.Data, &users) == nil {
			c.mu.Lock()
			c.online = users
			c.mu.Unlock()
		}
	}

	if env.Ref != "" {
		c.mu.Lock()
		ch, ok := c.replies[env.Ref]
		delete(c.replies, env.Ref)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
	c.notify(env)
}

func (c *Client) resolveAck(correlationID string, r ackResult) {
	c.mu.Lock()
	ch, ok := c.acks[correlationID]
	delete(c.acks, correlationID)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *Client) write(event, ref string, payload any) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, gateway.Encode(event, ref, payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Send adds text to the timeline as a pending entry and sends it to the
// current thread. It returns when the gateway acknowledges or rejects the
// message, or fails with ErrTimeout after the ack timeout. On any failure
// the entry stays on the timeline as failed and can be retried.
func (c *Client) Send(ctx context.Context, text string) (Entry, error) {
	e := c.outbox.Add(text, c.ThreadID())
	return c.deliver(ctx, e)
}

// Retry resends a failed entry with its original text and correlation id.
func (c *Client) Retry(ctx context.Context, correlationID string) (Entry, error) {
	e, err := c.outbox.Retry(correlationID)
	if err != nil {
		return e, err
	}
	return c.deliver(ctx, e)
}

func (c *Client) deliver(ctx context.Context, e Entry) (Entry, error) {
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.acks[e.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, e.CorrelationID)
		c.mu.Unlock()
	}()

	_ = c.outbox.MarkSending(e.CorrelationID)
	err := c.write(gateway.EventSendMessage, "", gateway.SendMessageRequest{
		Text:          e.Text,
		ThreadID:      e.ThreadID,
		CorrelationID: e.CorrelationID,
	})
	if err != nil {
		failed, _ := c.outbox.Fail(e.CorrelationID, err)
		return failed, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	var cause error
	select {
	case r := <-ch:
		return r.entry, r.err
	case <-timer.C:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-c.done:
		cause = ErrNotConnected
	}
	failed, _ := c.outbox.Fail(e.CorrelationID, cause)
	if failed.Status.Confirmed() {
		return failed, nil
	}
	return failed, cause
}

// request sends a frame tagged with a fresh ref and waits for the reply
// carrying the same ref.
func (c *Client) request(ctx context.Context, event string, payload any) (gateway.Envelope, error) {
	ref := uuid.NewString()
	ch := make(chan gateway.Envelope, 1)
	c.mu.Lock()
	c.replies[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, ref)
		c.mu.Unlock()
	}()

	if err := c.write(event, ref, payload); err != nil {
		return gateway.Envelope{}, err
	}
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		if env.Event == gateway.EventError {
			var eb gateway.ErrorBody
			_ = json.Unmarshal(env.Data, &eb)
			return env, &ServerError{Code: eb.Code, Message: eb.Message}
		}
		return env, nil
	case <-timer.C:
		return gateway.Envelope{}, ErrTimeout
	case <-ctx.Done():
		return gateway.Envelope{}, ctx.Err()
	case <-c.done:
		return gateway.Envelope{}, ErrNotConnected
	}
}

// History fetches one page of a thread (page is 0-indexed). Messages are
// also merged into the timeline. An empty threadID means the current thread.
func (c *Client) History(ctx context.Context, threadID string, page, limit int) (*gateway.HistoryPagePayload, error) {
	env, err := c.request(ctx, gateway.EventGetHistory, gateway.HistoryRequest{
		ThreadID: threadID,
		Page:     &page,
		Limit:    &limit,
	})
	if err != nil {
		return nil, err
	}
	var p gateway.HistoryPagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("client: history: %w", err)
	}
	if p.Error != nil {
		return &p, &ServerError{Code: p.Error.Code, Message: p.Error.Message}
	}
	for _, m := range p.Messages {
		c.outbox.Observe(m)
	}
	return &p, nil
}

// JoinThread switches the current thread and returns how many messages the
// gateway marked read.
func (c *Client) JoinThread(ctx context.Context, threadID string) (int64, error) {
	env, err := c.request(ctx, gateway.EventJoinThread, gateway.JoinThreadRequest{ThreadID: threadID})
	if err != nil {
		return 0, err
	}
	var p gateway.ThreadJoinedPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return 0, fmt.Errorf("client: join thread: %w", err)
	}
	c.mu.Lock()
	c.threadID = p.ThreadID
	c.mu.Unlock()
	return p.MarkedRead, nil
}

// Typing announces that this user started or stopped typing.
func (c *Client) Typing(isTyping bool) error {
	event := gateway.EventTyping
	if !isTyping {
		event = gateway.EventStopTyping
	}
	return c.write(event, "", gateway.TypingRequest{IsTyping: isTyping, ThreadID: c.ThreadID()})
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, gateway.EventPing, nil)
	return err
}

// TypingUsers returns the ids of users currently typing, dropping
// indicators older than the typing TTL.
func (c *Client) TypingUsers() []string {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.typing))
	for id, exp := range c.typing {
		if now.After(exp) {
			delete(c.typing, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Online returns the last onlineUsers snapshot.
func (c *Client) Online() []gateway.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.OnlineUser(nil), c.online...)
}

// Outbox returns the local timeline.
func (c *Client) Outbox() *Outbox { return c.outbox }

// Identity returns the authenticated identity.
func (c *Client) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// ThreadID returns the thread new messages are sent to.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Close sends a close frame and waits for the read loop to finish.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	c.shutdown()
	return c.ws.Close()
}
