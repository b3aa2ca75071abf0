package middlewares

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/utils"
)

// Session is what the login flow stores in Redis under "Token:<token>".
type Session struct {
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"`
}

// SessionMiddleware resolves a session token into the acting user. Requests
// without a token pass through; route handlers decide whether to require one.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		var session Session
		exists, err := config.GetRedisObject("Token:"+token, &session)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyToken, token)
		ctx = utils.SetUserIdInContext(ctx, session.UserId)
		ctx = utils.SetUserNameInContext(ctx, session.UserName)
		ctx = utils.SetUserRoleInContext(ctx, session.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
