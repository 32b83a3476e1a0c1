package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/auth"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
	// ContextKeyToken is the Gin context key for the raw bearer token, kept so
	// calls to the quiz platform can be made on the user's behalf.
	ContextKeyToken = "token"
)

// RequireJWT validates a platform JWT from the Authorization header.
func RequireJWT(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authenticate(c, verifier, tokenStr)
	}
}

// RequireWSAuth validates a JWT from the query param ?token=...
// Browsers cannot set headers on WebSocket upgrade requests.
func RequireWSAuth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			tokenStr = bearerToken(c.GetHeader("Authorization"))
		}
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authenticate(c, verifier, tokenStr)
	}
}

func authenticate(c *gin.Context, verifier *auth.Verifier, tokenStr string) {
	claims, err := verifier.Verify(tokenStr)
	if err != nil {
		code := response.ErrTokenInvalid
		if errors.Is(err, auth.ErrTokenExpired) {
			code = response.ErrTokenExpired
		}
		response.AbortFail(c, http.StatusUnauthorized, code)
		return
	}

	c.Set(ContextKeyClaims, claims)
	c.Set(ContextKeyToken, tokenStr)
	c.Next()
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *auth.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetToken retrieves the raw bearer token from the Gin context.
func GetToken(c *gin.Context) string {
	return c.GetString(ContextKeyToken)
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
