package auth

import (
	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	UserContextKey ContextKey = "user_id"

	// UserIDHeader identifies the caller when no JWT secret is configured.
	UserIDHeader = "User-Id"
)

// UserID returns the authenticated owner id set by RequireAuth.
func UserID(c echo.Context) string {
	id, _ := c.Get(string(UserContextKey)).(string)
	return id
}
