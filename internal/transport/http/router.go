package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jantungin/screening-api/internal/handlers"
	"github.com/jantungin/screening-api/internal/middleware/auth"
	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/ratelimit"
)

type Deps struct {
	AuthHandler  *handlers.AuthHandler
	AdminHandler *handlers.AdminHandler
	Guard        *auth.Guard

	// GeneralLimiter throttles all API traffic; AuthLimiter is the
	// tighter window on the credential endpoints. Same algorithm, two
	// independently configured instances.
	GeneralLimiter *ratelimit.Limiter
	AuthLimiter    *ratelimit.Limiter
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	v1 := e.Group("/api/v1", d.GeneralLimiter.Middleware())

	// The auth limiter runs before the handler, so a throttled login
	// attempt never reaches the directory scan.
	v1.POST("/register", d.AuthHandler.Register, d.AuthLimiter.Middleware())
	v1.POST("/login", d.AuthHandler.Login, d.AuthLimiter.Middleware())

	private := v1.Group("", d.Guard.RequireAuth)
	private.GET("/profile", d.AuthHandler.Profile)
	private.PUT("/profile", d.AuthHandler.UpdateProfile)

	// Doctors can read the account list; everything that mutates
	// accounts is admin-only.
	admin := v1.Group("/admin", d.Guard.RequireAuth)
	admin.GET("/accounts", d.AdminHandler.ListAccounts, d.Guard.RequireRole(models.RoleAdmin, models.RoleDoctor))
	admin.GET("/accounts/search", d.AdminHandler.SearchAccounts, d.Guard.RequireRole(models.RoleAdmin, models.RoleDoctor))
	admin.PATCH("/accounts/:id/role", d.AdminHandler.UpdateRole, d.Guard.RequireRole(models.RoleAdmin))

	// Destructive writes additionally demand a recently issued token.
	admin.DELETE("/accounts/:id", d.AdminHandler.DeleteAccount,
		d.Guard.RequireRole(models.RoleAdmin), d.Guard.RequireFresh)
	admin.POST("/accounts/:id/identity/rotate", d.AdminHandler.RotateIdentity,
		d.Guard.RequireRole(models.RoleAdmin), d.Guard.RequireFresh)
}
