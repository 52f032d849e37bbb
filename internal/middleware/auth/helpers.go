package auth

import (
	"time"

	"github.com/labstack/echo/v4"
)

const (
	userIDKey   = "userID"
	roleKey     = "role"
	issuedAtKey = "tokenIssuedAt"
)

// SetUser attaches an authenticated account to the context. The guard
// calls it after verification; handler tests use it to stand in for the
// middleware.
func SetUser(c echo.Context, userID, role string) {
	c.Set(userIDKey, userID)
	c.Set(roleKey, role)
}

func UserID(c echo.Context) string {
	if v, ok := c.Get(userIDKey).(string); ok {
		return v
	}
	return ""
}

func Role(c echo.Context) string {
	if v, ok := c.Get(roleKey).(string); ok {
		return v
	}
	return ""
}

func IssuedAt(c echo.Context) time.Time {
	if v, ok := c.Get(issuedAtKey).(time.Time); ok {
		return v
	}
	return time.Time{}
}
