package middleware

import (
	"net/http"
	"strings"

	"relaycast/internal/core/services"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "auth_claims"

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		token := parts[1]
		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireRole gates a route on the permission level carried in the
// validated token. Must run after AuthMiddleware.
func RequireRole(authService services.AuthService, required services.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsVal, exists := c.Get(claimsContextKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}

		claims, ok := claimsVal.(*services.Claims)
		if !ok || !authService.HasRole(claims, required) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}
