package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sandboxagent/gateway/internal/common/problem"
)

// publicPaths are reachable without authentication even when a token is configured.
var publicPaths = map[string]bool{
	"/health": true,
}

// BearerAuth enforces Authorization: Bearer <token> when token is non-empty.
// /health stays public. Failures render an RFC 7807 problem document.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || publicPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			p := problem.New(problem.KindUnauthorized, "missing or invalid bearer token")
			c.Header("Content-Type", "application/problem+json")
			c.AbortWithStatusJSON(http.StatusUnauthorized, p.Doc())
			return
		}

		c.Next()
	}
}
