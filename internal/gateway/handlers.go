package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deskchat/deskchat/internal/conversation"
	"github.com/deskchat/deskchat/internal/messaging"
	"github.com/deskchat/deskchat/internal/models"
	"github.com/deskchat/deskchat/internal/notify"
)

// respond sends a frame to the requesting connection only. Before
// authentication the handshake goroutine is the sole writer.
func (g *Gateway) respond(c *conn, frame []byte) {
	if c.sm.current().IsAuthenticated() {
		c.Deliver(frame)
		return
	}
	_ = c.writeDirect(frame)
}

func (g *Gateway) respondError(c *conn, ref, code string, err error) {
	g.respond(c, Encode(EventError, ref, ErrorBody{Code: code, Message: err.Error()}))
}

// dispatch handles one inbound frame. Requests on the same connection are
// handled strictly in receipt order.
func (g *Gateway) dispatch(ctx context.Context, c *conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		g.respondError(c, "", CodeBadRequest, fmt.Errorf("%w: malformed frame", ErrValidation))
		return
	}

	state := c.sm.current()
	if !state.IsAuthenticated() {
		if env.Event == EventSendMessage {
			var req SendMessageRequest
			_ = json.Unmarshal(env.Data, &req)
			g.respond(c, Encode(EventMessageError, env.Ref, MessageErrorPayload{
				Message:       ErrNotAuthenticated.Error(),
				Code:          CodeNotAuthenticated,
				CorrelationID: req.CorrelationID,
			}))
			return
		}
		g.respondError(c, env.Ref, CodeNotAuthenticated, ErrNotAuthenticated)
		return
	}
	if state == StateAuthenticated {
		_ = c.sm.advance(StateActive)
	}

	if env.Event != EventPing && !c.limiter.Allow() {
		g.rateLimited(c, env)
		return
	}

	switch env.Event {
	case EventSendMessage:
		var req SendMessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			g.messageError(c, "", CodeBadRequest, fmt.Errorf("%w: malformed sendMessage", ErrValidation))
			return
		}
		g.handleSendMessage(ctx, c, req)
	case EventGetHistory:
		var req HistoryRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				g.respondError(c, env.Ref, CodeBadRequest, fmt.Errorf("%w: malformed getHistory", ErrValidation))
				return
			}
		}
		g.handleGetHistory(ctx, c, env.Ref, req)
	case EventTyping, EventStopTyping:
		var req TypingRequest
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &req)
		}
		if env.Event == EventStopTyping {
			req.IsTyping = false
		}
		g.handleTyping(c, req)
	case EventJoinThread:
		var req JoinThreadRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ThreadID == "" {
			g.respondError(c, env.Ref, CodeValidation, fmt.Errorf("%w: threadId is required", ErrValidation))
			return
		}
		g.handleJoinThread(ctx, c, env.Ref, req)
	case EventPing:
		g.respond(c, Encode(EventPong, env.Ref, nil))
	case EventAuth:
		g.respondError(c, env.Ref, CodeBadRequest, fmt.Errorf("%w: already authenticated", ErrValidation))
	default:
		g.respondError(c, env.Ref, CodeBadRequest, fmt.Errorf("%w: unknown event %q", ErrValidation, env.Event))
	}
}

func (g *Gateway) rateLimited(c *conn, env Envelope) {
	if env.Event == EventSendMessage {
		var req SendMessageRequest
		_ = json.Unmarshal(env.Data, &req)
		g.opts.Metrics.Messages.WithLabelValues("rate_limited").Inc()
		g.messageError(c, req.CorrelationID, CodeRateLimited, ErrRateLimited)
		return
	}
	g.respondError(c, env.Ref, CodeRateLimited, ErrRateLimited)
}

func (g *Gateway) messageError(c *conn, correlationID, code string, err error) {
	g.respond(c, Encode(EventMessageError, "", MessageErrorPayload{
		Message:       err.Error(),
		Code:          code,
		CorrelationID: correlationID,
	}))
}

// handleSendMessage persists a message, acknowledges it to the sender and
// then broadcasts it to the whole tenant, sender included. A failure is
// reported to the sender only and nothing is broadcast. A resend of an
// already stored correlation id is acknowledged again but not rebroadcast.
func (g *Gateway) handleSendMessage(ctx context.Context, c *conn, req SendMessageRequest) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		g.opts.Metrics.Messages.WithLabelValues("invalid").Inc()
		g.messageError(c, req.CorrelationID, CodeValidation, fmt.Errorf("%w: message text is empty", ErrValidation))
		return
	}
	if len([]rune(text)) > g.opts.MaxMessageLen {
		g.opts.Metrics.Messages.WithLabelValues("invalid").Inc()
		g.messageError(c, req.CorrelationID, CodeValidation,
			fmt.Errorf("%w: message exceeds %d characters", ErrValidation, g.opts.MaxMessageLen))
		return
	}

	bound := c.thread()
	threadID := bound
	if req.ThreadID != "" && req.ThreadID != bound {
		if _, err := g.opts.Resolver.GetThread(ctx, c.tenantID, req.ThreadID); err != nil {
			g.opts.Metrics.Messages.WithLabelValues("error").Inc()
			code, msg := CodePersistence, "could not resolve thread"
			if errors.Is(err, conversation.ErrThreadNotFound) {
				code, msg = CodeThreadNotFound, "thread not found"
			}
			g.messageError(c, req.CorrelationID, code, errors.New(msg))
			return
		}
		threadID = req.ThreadID
	}

	in := messaging.NewMessage{
		ThreadID:      threadID,
		SenderType:    models.SenderTypeForRole(c.identity.Role),
		SenderID:      c.identity.UserID,
		Content:       text,
		CorrelationID: req.CorrelationID,
	}
	start := time.Now()
	msg, err := g.opts.Store.CreateMessage(ctx, in)
	if errors.Is(err, messaging.ErrThreadClosed) && threadID == bound {
		// The session's thread was closed under it; follow the tenant to
		// its current active thread.
		var next string
		if next, err = g.rebind(ctx, c); err == nil {
			in.ThreadID, threadID = next, next
			msg, err = g.opts.Store.CreateMessage(ctx, in)
		}
	}
	g.opts.Metrics.PersistSeconds.Observe(time.Since(start).Seconds())

	duplicate := errors.Is(err, messaging.ErrDuplicate) && msg != nil
	if err != nil && !duplicate {
		g.opts.Metrics.Messages.WithLabelValues("error").Inc()
		code, human := CodePersistence, "message could not be saved, try again"
		switch {
		case errors.Is(err, messaging.ErrThreadNotFound):
			code, human = CodeThreadNotFound, "thread not found"
		case errors.Is(err, messaging.ErrThreadClosed):
			code, human = CodeThreadClosed, "thread is closed"
		case errors.Is(err, messaging.ErrValidation):
			code, human = CodeValidation, err.Error()
		}
		c.log.Warn().Err(err).Str("thread", threadID).Str("correlation", req.CorrelationID).Msg("send message failed")
		g.messageError(c, req.CorrelationID, code, errors.New(human))
		return
	}

	dto := NewMessageDTO(msg, c.identity.Name)
	ack := Encode(EventMessageDelivered, "", DeliveredPayload{
		CorrelationID: req.CorrelationID,
		Message:       dto,
		ThreadID:      msg.ThreadID,
	})
	if duplicate {
		// Already stored and broadcast; only the ack was lost.
		g.opts.Metrics.Messages.WithLabelValues("duplicate").Inc()
		c.log.Debug().Str("correlation", req.CorrelationID).Uint("message", msg.ID).Msg("resend of stored message")
		g.opts.Presence.SendTo(c.id, ack)
		return
	}
	g.opts.Metrics.Messages.WithLabelValues("ok").Inc()
	g.opts.Presence.SendTo(c.id, ack)
	g.opts.Presence.BroadcastTenant(c.tenantID, "", Encode(EventMessage, "", dto))

	if g.opts.Notifier != nil && msg.SenderType == models.SenderContact {
		notice := notify.Notice{
			TenantID:   c.tenantID,
			ThreadID:   threadID,
			SenderName: c.identity.Name,
			SenderID:   c.identity.UserID,
			Text:       text,
			CreatedAt:  msg.CreatedAt,
		}
		go g.opts.Notifier.Notify(context.Background(), notice)
	}
}

// rebind moves the connection to the tenant's active thread and returns
// its id.
func (g *Gateway) rebind(ctx context.Context, c *conn) (string, error) {
	thread, err := g.opts.Resolver.GetOrCreateActiveThread(ctx, c.tenantID, c.identity.UserID)
	if err != nil {
		return "", err
	}
	if err := g.opts.Presence.JoinThread(c.id, thread.ID); err != nil {
		return "", err
	}
	c.bindThread(thread.ID)
	c.log.Info().Str("thread", thread.ID).Msg("bound thread closed, moved to active thread")
	return thread.ID, nil
}

// handleGetHistory answers with a historyPage. Errors are reported inside
// the payload; the connection is never dropped for a history failure.
func (g *Gateway) handleGetHistory(ctx context.Context, c *conn, ref string, req HistoryRequest) {
	page, limit := 0, g.opts.HistoryLimit
	if req.Page != nil {
		page = *req.Page
	}
	if req.Limit != nil {
		limit = *req.Limit
	}
	resp := HistoryPagePayload{ThreadID: req.ThreadID, Page: page, Limit: limit, Messages: []MessageDTO{}}
	fail := func(code, msg string) {
		resp.Error = &ErrorBody{Code: code, Message: msg}
		g.respond(c, Encode(EventHistoryPage, ref, resp))
	}

	if page < 0 || limit <= 0 {
		fail(CodeValidation, "page must be >= 0 and limit must be > 0")
		return
	}
	if limit > messaging.MaxPageSize {
		limit = messaging.MaxPageSize
		resp.Limit = limit
	}

	if resp.ThreadID == "" {
		resp.ThreadID = c.thread()
	} else if resp.ThreadID != c.thread() {
		if _, err := g.opts.Resolver.GetThread(ctx, c.tenantID, resp.ThreadID); err != nil {
			if errors.Is(err, conversation.ErrThreadNotFound) {
				fail(CodeThreadNotFound, "thread not found")
				return
			}
			c.log.Error().Err(err).Msg("history: resolve thread")
			fail(CodePersistence, "history unavailable")
			return
		}
	}

	p, err := g.opts.Store.GetThreadMessages(ctx, resp.ThreadID, limit, page*limit)
	if err != nil {
		c.log.Error().Err(err).Str("thread", resp.ThreadID).Msg("history: load")
		fail(CodePersistence, "history unavailable")
		return
	}
	for i := range p.Messages {
		resp.Messages = append(resp.Messages, NewMessageDTO(&p.Messages[i], ""))
	}
	resp.HasMore = p.HasMore
	g.respond(c, Encode(EventHistoryPage, ref, resp))
}

// handleTyping relays a typing signal to the rest of the tenant.
func (g *Gateway) handleTyping(c *conn, req TypingRequest) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = c.thread()
	}
	g.opts.Presence.BroadcastTenant(c.tenantID, c.id, Encode(EventUserTyping, "", TypingPayload{
		UserID:   c.identity.UserID,
		UserName: c.identity.Name,
		IsTyping: req.IsTyping,
		ThreadID: threadID,
	}))
}

// handleJoinThread subscribes the connection to a thread, binds it as the
// default target for sends, and marks the thread's unread messages read
// for this identity.
func (g *Gateway) handleJoinThread(ctx context.Context, c *conn, ref string, req JoinThreadRequest) {
	if _, err := g.opts.Resolver.GetThread(ctx, c.tenantID, req.ThreadID); err != nil {
		if errors.Is(err, conversation.ErrThreadNotFound) {
			g.respondError(c, ref, CodeThreadNotFound, errors.New("thread not found"))
			return
		}
		c.log.Error().Err(err).Msg("join thread: resolve")
		g.respondError(c, ref, CodePersistence, errors.New("thread unavailable"))
		return
	}
	if err := g.opts.Presence.JoinThread(c.id, req.ThreadID); err != nil {
		g.respondError(c, ref, CodeBadRequest, err)
		return
	}
	c.bindThread(req.ThreadID)

	n, readAt, err := g.opts.Store.MarkMessagesAsRead(ctx, req.ThreadID, c.identity.UserID)
	if err != nil {
		c.log.Error().Err(err).Str("thread", req.ThreadID).Msg("join thread: mark read")
		g.respondError(c, ref, CodePersistence, errors.New("could not mark messages read"))
		return
	}
	g.respond(c, Encode(EventThreadJoined, ref, ThreadJoinedPayload{ThreadID: req.ThreadID, MarkedRead: n}))
	if n > 0 {
		g.opts.Presence.BroadcastThread(c.tenantID, req.ThreadID, Encode(EventMessagesRead, "", MessagesReadPayload{
			ThreadID: req.ThreadID,
			ReaderID: c.identity.UserID,
			Count:    n,
			ReadAt:   readAt,
		}))
	}
}
