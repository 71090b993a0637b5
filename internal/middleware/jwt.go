package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const userIDLocal = "user_id"

// TokenVerifier resolves a bearer token to the owner id it was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// JWTAuth validates bearer access tokens and exposes the subject as the
// "user_id" local.
func JWTAuth(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		sub, err := verifier.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(userIDLocal, sub)
		return c.Next()
	}
}

// UserID returns the authenticated owner id set by JWTAuth.
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals(userIDLocal).(string)
	return uid
}
