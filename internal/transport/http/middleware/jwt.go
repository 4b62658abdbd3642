package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pdfchat/internal/pkg/jwtutil"
	"pdfchat/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextUsernameKey = "username"
)

// AuthJWT reads the bearer token from the Authorization header. GET
// requests may pass it as access_token instead, so export links work.
func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if token == "" {
			unauthorized(c, msg)
			return
		}

		claims, err := jwtutil.ParseToken(secret, token)
		if err != nil || claims.UserID == 0 {
			unauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ContextUserIDKey, claims.UserID)
		c.Set(ContextUsernameKey, claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, string) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		if c.Request.Method == http.MethodGet {
			if token := strings.TrimSpace(c.Query("access_token")); token != "" {
				return token, ""
			}
		}
		return "", "missing authorization header"
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization scheme"
	}
	return strings.TrimSpace(token), "missing bearer token"
}

func unauthorized(c *gin.Context, message string) {
	response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, message)
	c.Abort()
}

// UserID returns the authenticated user set by AuthJWT.
func UserID(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok && userID != 0
}
