package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const identityKey = "deskchat.identity"

// RegisterRoutes mounts the account endpoints on g (typically /auth).
func RegisterRoutes(g *gin.RouterGroup, svc *Service, v *Verifier) {
	g.POST("/register", handleRegister(svc))
	g.POST("/login", handleLogin(svc))
	g.POST("/refresh", RequireAuth(v), handleRefresh(svc))
	g.GET("/me", RequireAuth(v), handleMe(svc))
}

// RequireAuth rejects requests without a valid Bearer token and stores the
// verified Identity on the gin context.
func RequireAuth(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.Verify(c.Request.Context(), BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, ErrAuth) {
				status = http.StatusInternalServerError
				log.Error().Err(err).Msg("verify bearer token")
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(identityKey, *id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by RequireAuth.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func handleRegister(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in RegisterInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := svc.Register(c.Request.Context(), in)
		switch {
		case errors.Is(err, ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, ErrNoCompany):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			log.Error().Err(err).Str("email", in.Email).Msg("register")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		default:
			c.JSON(http.StatusCreated, sess)
		}
	}
}

func handleLogin(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in LoginInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := svc.Login(c.Request.Context(), in)
		switch {
		case errors.Is(err, ErrBadCredentials), errors.Is(err, ErrUserDeactivated):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case err != nil:
			log.Error().Err(err).Msg("login")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		default:
			c.JSON(http.StatusOK, sess)
		}
	}
}

func handleRefresh(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		token, err := svc.Refresh(c.Request.Context(), id.UserID)
		if err != nil {
			writeAccountError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

func handleMe(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		acct, err := svc.Me(c.Request.Context(), id.UserID)
		if err != nil {
			writeAccountError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": acct})
	}
}

func writeAccountError(c *gin.Context, err error) {
	if errors.Is(err, ErrAuth) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	log.Error().Err(err).Msg("account lookup")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
