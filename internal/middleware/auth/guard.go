// Package auth gates protected routes. RequireAuth resolves the bearer
// token and loads the current account, RequireRole enforces route role
// sets, and RequireFresh rejects tokens that are technically still valid
// but were issued too long ago for a sensitive operation.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/tokens"
)

const bearerPrefix = "Bearer "

type Guard struct {
	Tokens *tokens.Service
	DB     *gorm.DB

	// FreshWindow is how recently a token must have been issued for
	// RequireFresh to accept it. Zero means 30 minutes.
	FreshWindow time.Duration
}

func NewGuard(svc *tokens.Service, db *gorm.DB) *Guard {
	return &Guard{Tokens: svc, DB: db, FreshWindow: 30 * time.Minute}
}

// RequireAuth authenticates the request and attaches the account id, role
// and token issue time to the echo context. The role comes from the token
// (role at issuance); the account store is consulted only to confirm the
// account still exists.
func (g *Guard) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing authentication token")
		}
		if !strings.HasPrefix(header, bearerPrefix) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid authentication token format")
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid authentication token format")
		}

		claims, err := g.Tokens.Verify(raw)
		if err != nil {
			if errors.Is(err, tokens.ErrExpired) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has expired, please log in again")
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}

		var user models.User
		if err := g.DB.WithContext(c.Request().Context()).
			First(&user, "id = ?", claims.Subject).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return echo.NewHTTPError(http.StatusUnauthorized, "account no longer exists")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}

		setUserContext(c, claims)
		return next(c)
	}
}

// RequireRole rejects the request with 403 unless the authenticated role
// is in the given set. Must run after RequireAuth.
func (g *Guard) RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := Role(c)
			for _, r := range roles {
				if role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

// RequireFresh rejects tokens issued before the freshness window even
// though they have not expired. Destructive writes by elevated roles sit
// behind this so a long-lived token alone is not enough.
func (g *Guard) RequireFresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		window := g.FreshWindow
		if window <= 0 {
			window = 30 * time.Minute
		}
		issuedAt := IssuedAt(c)
		if issuedAt.IsZero() || time.Since(issuedAt) > window {
			return echo.NewHTTPError(http.StatusUnauthorized, "session is stale, please re-authenticate")
		}
		return next(c)
	}
}

func setUserContext(c echo.Context, claims *tokens.AccessClaims) {
	SetUser(c, claims.Subject, claims.Role)
	if claims.IssuedAt != nil {
		c.Set(issuedAtKey, claims.IssuedAt.Time)
	} else {
		c.Set(issuedAtKey, time.Time{})
	}
}
