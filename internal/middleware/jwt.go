package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-candidate/internal/response"
	"github.com/stemsi/exstem-candidate/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

var errNoToken = errors.New("authorization header or token query required")

// RequireCandidateJWT admits candidate tokens only.
func RequireCandidateJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, response.ErrCandidateAccessOnly, service.RoleCandidate)
}

// RequireObserverJWT admits observer tokens only.
func RequireObserverJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, response.ErrObserverAccessOnly, service.RoleObserver)
}

// RequireAnyJWT admits any valid token. The relay uses it since both sides connect there.
func RequireAnyJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, response.ErrForbidden, service.RoleCandidate, service.RoleObserver)
}

func requireRole(authService *service.AuthService, denied response.ErrCode, roles ...service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, authService)
		if errors.Is(err, errNoToken) {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		allowed := false
		for _, r := range roles {
			if claims.Role == r {
				allowed = true
				break
			}
		}
		if !allowed {
			response.AbortFail(c, http.StatusForbidden, denied)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractAndValidateClaims(c *gin.Context, authService *service.AuthService) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = parts[1]
		}
	}

	// Browser WebSocket clients cannot set headers.
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return nil, errNoToken
	}

	return authService.ValidateToken(tokenStr)
}
