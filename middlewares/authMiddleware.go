package middlewares

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sprayworks/foam_backend/utils"
)

// CrewAuthMiddleware accepts a crew capability token as "Authorization: Bearer".
// It never overrides an admin session already on the request.
func CrewAuthMiddleware(secret func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetRoleFromContext(c.Request.Context()); ok {
			c.Next()
			return
		}
		auth := c.Request.Header.Get("Authorization")
		if auth == "" && c.Request.URL.Path == "/ws" {
			if t := c.Query("crew_token"); t != "" {
				auth = "Bearer " + t
			}
		}
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := utils.CrewTokenValidate(secret(), strings.TrimSpace(auth[len(bearer):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), claims.OrganizationId)
		ctx = utils.SetRoleInContext(ctx, utils.RoleCrew)
		ctx = utils.SetUsernameInContext(ctx, "crew:"+claims.OrganizationId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireSession rejects requests without a session in one of roles.
func RequireSession(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := utils.GetRoleFromContext(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// RequireOrganization compares the :org_id route parameter with the session's organization.
func RequireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := utils.GetOrganizationIdFromContext(c.Request.Context())
		if !ok || orgID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if c.Param("org_id") != orgID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireInternalKey guards internal routes with the X-Internal-Key header, or a
// "key" query parameter for Pub/Sub push endpoints. With no key configured the routes are closed.
func RequireInternalKey(key func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := key()
		if want == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal routes disabled"})
			return
		}
		got := c.Request.Header.Get("X-Internal-Key")
		if got == "" {
			got = c.Query("key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
