package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/conversation"
	"github.com/deskchat/deskchat/internal/presence"
)

// registerRoutes sets up every route on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.DB, opts.Presence))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gateway.Metrics().Registry, promhttp.HandlerOpts{})))
	router.GET("/ws", gin.WrapH(opts.Gateway))

	auth.RegisterRoutes(router.Group("/auth"), opts.Auth, opts.Verifier)

	api := router.Group("/api", auth.RequireAuth(opts.Verifier))
	api.GET("/threads", handleListThreads(opts.DB, opts.Resolver))
	api.GET("/threads/:id", handleGetThread(opts.Resolver))
	api.POST("/threads/:id/status", handleUpdateStatus(opts.Resolver))
	api.GET("/presence", handleOnline(opts.Presence))
	api.GET("/presence/:userId", handleUserPresence(opts.Presence))
}

func handleHealth(db *gorm.DB, reg *presence.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": reg.Len()})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func handleListThreads(db *gorm.DB, r *conversation.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c)
		limit := queryInt(c, "limit", 50)
		if limit > 200 {
			limit = 200
		}
		threads, err := r.ListThreads(c.Request.Context(), id.CompanyID, limit, queryInt(c, "offset", 0))
		if err != nil {
			log.Error().Err(err).Str("tenant", id.CompanyID).Msg("list threads")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list threads"})
			return
		}
		rows, err := ThreadSummary(db.WithContext(c.Request.Context()), threads, id.UserID)
		if err != nil {
			log.Error().Err(err).Str("tenant", id.CompanyID).Msg("thread summary")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list threads"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"threads": rows})
	}
}

func handleGetThread(r *conversation.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c)
		t, err := r.GetThread(c.Request.Context(), id.CompanyID, c.Param("id"))
		if err != nil {
			writeThreadError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"thread": toRow(*t)})
	}
}

type statusInput struct {
	Status string `json:"status" binding:"required"`
}

func handleUpdateStatus(r *conversation.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c)
		var in statusInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := r.UpdateStatus(c.Request.Context(), id.CompanyID, c.Param("id"), in.Status)
		if err != nil {
			writeThreadError(c, err)
			return
		}
		log.Info().Str("tenant", id.CompanyID).Str("thread", t.ID).Str("status", t.Status).
			Str("by", id.UserID).Msg("thread status changed")
		c.JSON(http.StatusOK, gin.H{"thread": toRow(*t)})
	}
}

// PresenceRow is one online user of the caller's tenant.
type PresenceRow struct {
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Online      bool      `json:"online"`
	Connections int       `json:"connections"`
	Since       time.Time `json:"since,omitempty"`
}

func handleOnline(reg *presence.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c)
		entries := reg.OnlineUsers(id.CompanyID)
		rows := make([]PresenceRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, PresenceRow{
				UserID:      e.Identity.UserID,
				Name:        e.Identity.Name,
				Role:        e.Identity.Role,
				Online:      true,
				Connections: reg.CountUser(id.CompanyID, e.Identity.UserID),
				Since:       e.ConnectedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"users": rows})
	}
}

// handleUserPresence reports whether a user of the caller's tenant is
// connected. Users of other tenants always read as offline.
func handleUserPresence(reg *presence.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c)
		row := PresenceRow{UserID: c.Param("userId")}
		if connID, ok := reg.FindConnection(row.UserID); ok {
			if e, ok := reg.Get(connID); ok && e.TenantID == id.CompanyID {
				row.Name = e.Identity.Name
				row.Role = e.Identity.Role
				row.Online = true
				row.Connections = reg.CountUser(id.CompanyID, row.UserID)
				row.Since = e.ConnectedAt
			}
		}
		c.JSON(http.StatusOK, gin.H{"user": row})
	}
}

func writeThreadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrThreadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
	case errors.Is(err, conversation.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("thread request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
