package middlewares

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
)

// AdminResolver maps an admin session token to its user.
type AdminResolver func(ctx context.Context, token string) (*models.User, error)

// RedisAdminResolver follows Token:<token> to a username, then loads the user.
func RedisAdminResolver(ctx context.Context, token string) (*models.User, error) {
	username, exists, err := config.GetRedisValue(ctx, "Token:"+token)
	if err != nil {
		return nil, err
	}
	if !exists || username == "" {
		return nil, utils.ErrorUnauthorized
	}
	return models.GetUserByUsername(ctx, config.GetDB(), username)
}

// SessionMiddleware resolves the admin "token" header. Websocket clients may pass
// it as a query parameter instead. Requests without a token pass through untouched.
func SessionMiddleware(resolve AdminResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" && c.Request.URL.Path == "/ws" {
			token = c.Query("token")
		}
		if token == "" {
			c.Next()
			return
		}
		user, err := resolve(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, utils.ErrorUnauthorized) {
				config.LogError(config.GetLogger(), "middlewares", "SessionMiddleware", "resolve token", nil, err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if user.IsActive != nil && !*user.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, user.Username)
		ctx = utils.SetOrganizationIdInContext(ctx, user.OrganizationId)
		ctx = utils.SetRoleInContext(ctx, utils.RoleAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
