package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/stream-relay/config"
	"github.com/mossy-p/stream-relay/internal/auth"
)

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse reports the authentication outcome. Token is present only on
// success and grants publisher privileges on the signaling socket.
type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Login checks submitted credentials against the configured pair and, on
// success, issues a publisher token.
func Login(cfg *config.Config, limiter *Limiter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, LoginResponse{
				Success: false,
				Message: "Too many login attempts",
			})
			return
		}

		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, LoginResponse{
				Success: false,
				Message: "Username and password are required",
			})
			return
		}

		if req.Username != cfg.Admin.Username || req.Password != cfg.Admin.Password {
			log.Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).
				Msg("login failed, invalid credentials")
			c.JSON(http.StatusUnauthorized, LoginResponse{
				Success: false,
				Message: "Invalid credentials",
			})
			return
		}

		token, err := auth.IssuePublisherToken(cfg.JWT.Secret, req.Username, cfg.JWT.TTL)
		if err != nil {
			log.Error().Err(err).Msg("failed to sign publisher token")
			c.JSON(http.StatusInternalServerError, LoginResponse{
				Success: false,
				Message: "Failed to generate token",
			})
			return
		}

		log.Info().Str("username", req.Username).Msg("login successful")
		c.JSON(http.StatusOK, LoginResponse{Success: true, Token: token})
	}
}

// Health reports process-alive status.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
