package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/identity"
	"github.com/jantungin/screening-api/internal/logging"
	"github.com/jantungin/screening-api/internal/middleware/auth"
	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/mykafka"
	"github.com/jantungin/screening-api/internal/service/search"
	"github.com/jantungin/screening-api/internal/util"
)

type AdminHandler struct {
	DB        *gorm.DB
	Directory *identity.Directory
	Producer  *mykafka.Producer
	ES        *elasticsearch.Client
	ESIndex   string
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

func (h *AdminHandler) publish(c echo.Context, key string, event map[string]any) {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Producer.PublishEvent(ctx, securityTopic, key, event); err != nil {
		logging.FromContext(c.Request().Context()).Error("kafka publish error", "error", err)
	}
}

func (h *AdminHandler) ListAccounts(c echo.Context) error {
	ctx := c.Request().Context()

	q := h.DB.WithContext(ctx).Model(&models.User{})
	if role := c.QueryParam("role"); role != "" {
		q = q.Where("role = ?", role)
	}

	var users []models.User
	if err := q.Order("created_at DESC").Find(&users).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, echo.Map{"accounts": users})
}

// UpdateRole elevates or demotes an account. The change shows up in
// tokens only at the account's next login; tokens already issued keep the
// old role claim until they expire.
func (h *AdminHandler) UpdateRole(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_update_role")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if !models.ValidRole(req.Role) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
	}

	var user models.User
	if err := h.DB.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	previous := user.Role
	user.Role = req.Role
	if err := h.DB.WithContext(ctx).Save(&user).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	h.publish(c, user.ID.String(), map[string]any{
		"type":      "role_changed",
		"userID":    user.ID.String(),
		"from":      previous,
		"to":        user.Role,
		"changedBy": auth.UserID(c),
	})
	h.reindex(c, &user)
	l.Info("role changed", "user_id", user.ID.String(), "from", previous, "to", user.Role)

	return c.JSON(http.StatusOK, user)
}

// DeleteAccount removes the account and its identity record. Sits behind
// RequireFresh: a stale admin token cannot destroy accounts.
func (h *AdminHandler) DeleteAccount(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_delete_account")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}

	err = h.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dir := &identity.Directory{DB: tx, Key: h.Directory.Key, ScanTimeout: h.Directory.ScanTimeout}
		if err := dir.DeleteByUser(ctx, id); err != nil {
			return err
		}
		res := tx.Delete(&models.User{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		l.Error("delete failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	if h.ES != nil {
		esCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := search.DeleteAccount(esCtx, h.ES, h.ESIndex, id.String()); err != nil {
			l.Error("account index delete error", "error", err)
		}
	}

	h.publish(c, id.String(), map[string]any{
		"type":      "account_deleted",
		"userID":    id.String(),
		"deletedBy": auth.UserID(c),
	})
	l.Info("account deleted", "user_id", id.String())

	return c.NoContent(http.StatusNoContent)
}

// RotateIdentity re-encrypts an account's identity record under a fresh
// IV. Also behind RequireFresh.
func (h *AdminHandler) RotateIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_rotate_identity")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}

	if err := h.Directory.Rotate(ctx, id); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "identity record not found")
		}
		l.Error("rotate failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	h.publish(c, id.String(), map[string]any{
		"type":      "identity_rotated",
		"userID":    id.String(),
		"rotatedBy": auth.UserID(c),
	})
	l.Info("identity record rotated", "user_id", id.String())

	return c.JSON(http.StatusOK, echo.Map{"message": "identity record rotated"})
}

func (h *AdminHandler) SearchAccounts(c echo.Context) error {
	if h.ES == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search is not configured")
	}

	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing query")
	}

	page := parseIntDefault(c.QueryParam("page"), 1)
	size := parseIntDefault(c.QueryParam("size"), 10)
	from, size := util.Calculate(page, size)

	total, accounts, err := search.Search(c.Request().Context(), h.ES, h.ESIndex, q, from, size)
	if err != nil {
		logging.FromContext(c.Request().Context()).Error("account search error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, echo.Map{"total": total, "accounts": accounts})
}

func (h *AdminHandler) reindex(c echo.Context, user *models.User) {
	if h.ES == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	doc := search.AccountDoc{ID: user.ID.String(), Name: user.Name, Email: user.Email, Role: user.Role}
	if err := search.IndexAccount(ctx, h.ES, h.ESIndex, doc); err != nil {
		logging.FromContext(c.Request().Context()).Error("account index error", "error", err)
	}
}
