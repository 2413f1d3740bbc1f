package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vynn122/grocery-api/common/auth"
	apperrors "github.com/vynn122/grocery-api/common/errors"
)

const (
	UserContextKey = "userID"
	RoleContextKey = "role"
)

// AuthMiddleware resolves the caller from a Bearer token or the access_token
// cookie. When trustGatewayHeaders is set, an X-User-ID header injected by the
// API gateway is accepted as well.
func AuthMiddleware(parser *auth.TokenParser, trustGatewayHeaders bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if trustGatewayHeaders {
			if userID := c.GetHeader("X-User-ID"); userID != "" {
				c.Set(UserContextKey, userID)
				c.Set(RoleContextKey, c.GetHeader("X-User-Role"))
				c.Next()
				return
			}
		}

		token := bearerToken(c)
		if token == "" {
			abortUnauthorized(c, "Missing access token")
			return
		}
		id, err := parser.Identify(token)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(UserContextKey, id.UserID)
		c.Set(RoleContextKey, id.Role)
		c.Next()
	}
}

// AdminOnly must run after AuthMiddleware.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(RoleContextKey)
		if !(auth.Identity{Role: role}).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error": gin.H{
					"kind":    "forbidden",
					"code":    "FORBIDDEN",
					"message": "Admin access required",
				},
			})
			return
		}
		c.Next()
	}
}

func GetUserID(c *gin.Context) (string, error) {
	val, exists := c.Get(UserContextKey)
	if !exists {
		return "", errors.New("user ID not found in context")
	}
	userID, ok := val.(string)
	if !ok || userID == "" {
		return "", errors.New("user ID has invalid type in context")
	}
	return userID, nil
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	if v, err := c.Cookie("access_token"); err == nil {
		return v
	}
	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	appErr := apperrors.ErrUnauthorized.With(msg)
	c.AbortWithStatusJSON(appErr.StatusCode(), gin.H{"success": false, "error": appErr})
}
