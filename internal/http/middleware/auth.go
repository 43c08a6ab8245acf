package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/qrlink-auth/internal/session"
)

const subjectKey = "subject"

// Auth validates bearer tokens issued at login completion.
type Auth struct {
	Sessions *session.Store
}

// ValidateBearer rejects requests without a known bearer token and puts the
// token's subject on the context.
func (a *Auth) ValidateBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Missing bearer token."})
		return
	}

	subject, err := a.Sessions.BearerSubject(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Token lookup failed."})
		return
	}
	if subject == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Unknown or expired bearer token."})
		return
	}

	c.Set(subjectKey, subject)
	c.Next()
}

// Subject returns the subject established by ValidateBearer.
func Subject(c *gin.Context) (string, bool) {
	v, ok := c.Get(subjectKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
