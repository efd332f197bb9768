// Package gateway is the real-time messaging endpoint. Each WebSocket
// connection moves through an explicit state machine: it authenticates,
// joins its tenant, receives the active thread's history and then exchanges
// messages, typing signals and read receipts with the rest of the tenant.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/conversation"
	"github.com/deskchat/deskchat/internal/messaging"
	"github.com/deskchat/deskchat/internal/models"
	"github.com/deskchat/deskchat/internal/notify"
	"github.com/deskchat/deskchat/internal/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrValidation       = errors.New("invalid request")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Verifier authenticates a raw token.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*auth.Identity, error)
}

// Resolver locates threads for a tenant.
type Resolver interface {
	GetOrCreateActiveThread(ctx context.Context, tenantID, userID string) (*models.Thread, error)
	GetThread(ctx context.Context, tenantID, threadID string) (*models.Thread, error)
}

// Store persists and reads messages.
type Store interface {
	CreateMessage(ctx context.Context, in messaging.NewMessage) (*models.Message, error)
	GetThreadMessages(ctx context.Context, threadID string, limit, offset int) (*messaging.Page, error)
	MarkMessagesAsRead(ctx context.Context, threadID, readerID string) (int64, time.Time, error)
}

// Opts configures a Gateway.
type Opts struct {
	Verifier Verifier
	Resolver Resolver
	Store    Store
	Presence *presence.Registry
	Metrics  *Metrics        // optional
	Notifier notify.Notifier // optional

	// DemoTenant, when set, supplies a fallback tenant id for identities
	// whose company no longer exists. Only wired in development.
	DemoTenant func(ctx context.Context) (string, error)

	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	HistoryLimit     int
	MaxMessageLen    int
	SendBuffer       int
	RatePerSec       float64
	RateBurst        int
	PingInterval     time.Duration
}

// Gateway serves WebSocket clients.
type Gateway struct {
	opts     Opts
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New validates opts, fills defaults and returns a Gateway.
func New(opts Opts) (*Gateway, error) {
	if opts.Verifier == nil {
		return nil, fmt.Errorf("gateway: verifier is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("gateway: resolver is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	if opts.Presence == nil {
		return nil, fmt.Errorf("gateway: presence registry is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.HistoryLimit > messaging.MaxPageSize {
		opts.HistoryLimit = messaging.MaxPageSize
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 4000
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	g := &Gateway{opts: opts, log: log.With().Str("component", "gateway").Logger()}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

// Metrics returns the gateway's instruments.
func (g *Gateway) Metrics() *Metrics { return g.opts.Metrics }

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range g.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	limiter := rate.NewLimiter(rate.Limit(g.opts.RatePerSec), g.opts.RateBurst)
	c := newConn(uuid.NewString(), ws, g.opts.SendBuffer, limiter, g.log)
	g.run(r, c)
}

// run drives one connection through its lifecycle.
func (g *Gateway) run(r *http.Request, c *conn) {
	ctx := context.Background()
	ws := c.ws
	ws.SetReadLimit(readLimit)

	_ = c.sm.advance(StateAuthenticating)
	if !g.handshake(ctx, r, c) {
		return
	}

	readDeadline := g.opts.PingInterval * 5 / 2
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	defer g.disconnect(c)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
		g.dispatch(ctx, c, data)
	}
}

// handshake authenticates the connection. The token comes from the upgrade
// request when present; otherwise the client has HandshakeTimeout to send
// an auth frame. Any other frame received meanwhile is refused with a
// not-authenticated error. Returns false when the connection was rejected
// or closed.
func (g *Gateway) handshake(ctx context.Context, r *http.Request, c *conn) bool {
	h := auth.HandshakeFromRequest(r)
	if auth.ExtractToken(h) != "" {
		return g.authenticate(ctx, c, auth.ExtractToken(h))
	}

	deadline := time.Now().Add(g.opts.HandshakeTimeout)
	_ = c.ws.SetReadDeadline(deadline)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				g.reject(c, auth.ErrMissingToken)
				return false
			}
			_ = c.sm.advance(StateDisconnected)
			c.ws.Close()
			return false
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.reject(c, fmt.Errorf("%w: malformed frame", auth.ErrMissingToken))
			return false
		}
		if env.Event != EventAuth {
			g.dispatch(ctx, c, data)
			continue
		}
		var req AuthRequest
		_ = json.Unmarshal(env.Data, &req)
		h.Explicit = req.Token
		return g.authenticate(ctx, c, auth.ExtractToken(h))
	}
}

// authenticate verifies raw, resolves the tenant's active thread and moves
// the connection to Authenticated.
func (g *Gateway) authenticate(ctx context.Context, c *conn, raw string) bool {
	id, err := g.opts.Verifier.Verify(ctx, raw)
	if err != nil {
		g.reject(c, err)
		return false
	}

	tenantID := id.CompanyID
	thread, err := g.opts.Resolver.GetOrCreateActiveThread(ctx, tenantID, id.UserID)
	if errors.Is(err, conversation.ErrTenantNotFound) && g.opts.DemoTenant != nil {
		if tenantID, err = g.opts.DemoTenant(ctx); err == nil {
			c.log.Warn().Str("company", id.CompanyID).Str("tenant", tenantID).Msg("company missing, using demo tenant")
			thread, err = g.opts.Resolver.GetOrCreateActiveThread(ctx, tenantID, id.UserID)
		}
	}
	if err != nil {
		if errors.Is(err, conversation.ErrTenantNotFound) {
			g.reject(c, fmt.Errorf("%w: %v", auth.ErrAuth, err))
			return false
		}
		c.log.Error().Err(err).Msg("resolve active thread")
		_ = c.writeDirect(Encode(EventError, "", ErrorBody{Code: CodePersistence, Message: "conversation unavailable"}))
		_ = c.sm.advance(StateRejected)
		c.closeWith(websocket.CloseInternalServerErr, "conversation unavailable")
		return false
	}

	c.identity = *id
	c.tenantID = tenantID
	c.bindThread(thread.ID)
	c.log = c.log.With().Str("user", id.UserID).Str("tenant", tenantID).Logger()

	if _, err := g.opts.Presence.Register(c.id, c.identity, tenantID, c); err != nil {
		c.log.Error().Err(err).Msg("register presence")
		g.reject(c, err)
		return false
	}
	_ = g.opts.Presence.JoinThread(c.id, thread.ID)
	_ = c.sm.advance(StateAuthenticated)
	g.opts.Metrics.Connections.Inc()
	go c.writePump(g.opts.PingInterval)

	history := []MessageDTO{}
	page, err := g.opts.Store.GetThreadMessages(ctx, thread.ID, g.opts.HistoryLimit, 0)
	if err != nil {
		c.log.Error().Err(err).Msg("load history")
	} else {
		for i := range page.Messages {
			history = append(history, NewMessageDTO(&page.Messages[i], ""))
		}
	}
	c.Deliver(Encode(EventHistory, "", history))
	c.Deliver(Encode(EventAuthenticated, "", AuthenticatedPayload{
		Identity:  c.identity,
		CompanyID: tenantID,
		ThreadID:  thread.ID,
	}))

	if g.opts.Presence.CountUser(tenantID, id.UserID) == 1 {
		g.opts.Presence.BroadcastTenant(tenantID, c.id, Encode(EventUserJoined, "", presenceOf(c.identity)))
	}
	g.broadcastOnline(tenantID)
	c.log.Info().Str("thread", thread.ID).Msg("connection authenticated")
	return true
}

// reject emits auth_error and closes the connection. The connection never
// reaches Authenticated.
func (g *Gateway) reject(c *conn, err error) {
	g.opts.Metrics.AuthFailures.Inc()
	msg := "authentication required"
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		msg = "authentication expired"
	case errors.Is(err, auth.ErrInactiveIdentity):
		msg = "user not found or deactivated"
	case errors.Is(err, auth.ErrInvalidToken):
		msg = "invalid token"
	}
	c.log.Info().Err(err).Msg("handshake rejected")
	_ = c.writeDirect(Encode(EventAuthError, "", AuthErrorPayload{Message: msg}))
	_ = c.sm.advance(StateRejected)
	c.closeWith(websocket.ClosePolicyViolation, msg)
}

// disconnect runs on every exit path of an authenticated connection.
func (g *Gateway) disconnect(c *conn) {
	_ = c.sm.advance(StateDisconnected)
	c.stop()
	c.ws.Close()

	e, ok := g.opts.Presence.Unregister(c.id)
	if !ok {
		return
	}
	g.opts.Metrics.Connections.Dec()
	if g.opts.Presence.CountUser(e.TenantID, e.Identity.UserID) == 0 {
		g.opts.Presence.BroadcastTenant(e.TenantID, "", Encode(EventUserLeft, "", presenceOf(e.Identity)))
	}
	g.broadcastOnline(e.TenantID)
	c.log.Info().Msg("connection closed")
}

func (g *Gateway) broadcastOnline(tenantID string) {
	entries := g.opts.Presence.OnlineUsers(tenantID)
	users := make([]OnlineUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, OnlineUser{
			ID:          e.Identity.UserID,
			Name:        e.Identity.Name,
			Role:        e.Identity.Role,
			ConnectedAt: e.ConnectedAt,
		})
	}
	g.opts.Presence.BroadcastTenant(tenantID, "", Encode(EventOnlineUsers, "", users))
}

func presenceOf(id auth.Identity) PresencePayload {
	return PresencePayload{UserID: id.UserID, UserName: id.Name, UserRole: id.Role}
}
