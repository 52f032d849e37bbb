package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/hash"
	"github.com/jantungin/screening-api/internal/identity"
	"github.com/jantungin/screening-api/internal/logging"
	"github.com/jantungin/screening-api/internal/middleware/auth"
	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/mykafka"
	"github.com/jantungin/screening-api/internal/service/search"
	"github.com/jantungin/screening-api/internal/tokens"
)

const (
	securityTopic = "security_events"
	nikLength     = 16
)

// invalidCredentials is the single message for every login failure so a
// caller cannot tell an unknown identity number from a wrong password.
const invalidCredentials = "invalid identity number or password"

type AuthHandler struct {
	DB        *gorm.DB
	Directory *identity.Directory
	Tokens    *tokens.Service
	Producer  *mykafka.Producer
	ES        *elasticsearch.Client
	ESIndex   string
}

func validNIK(s string) bool {
	if len(s) != nikLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (h *AuthHandler) publish(c echo.Context, key string, event map[string]any) {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Producer.PublishEvent(ctx, securityTopic, key, event); err != nil {
		logging.FromContext(c.Request().Context()).Error("kafka publish error", "error", err)
	}
}

func (h *AuthHandler) indexAccount(c echo.Context, user *models.User) {
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

func (h *AuthHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		NIK         string `json:"nik"`
		Password    string `json:"password"`
		DateOfBirth string `json:"dateOfBirth"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name, email and password are required")
	}
	if !validNIK(req.NIK) {
		return echo.NewHTTPError(http.StatusBadRequest, "identity number must be 16 digits")
	}

	var existing models.User
	err := h.DB.WithContext(ctx).Where("email = ?", req.Email).First(&existing).Error
	if err == nil {
		return echo.NewHTTPError(http.StatusConflict, "email already registered")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		l.Error("register failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	taken, err := h.Directory.ExistsByNIK(ctx, req.NIK)
	if err != nil {
		l.Error("register failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	if taken {
		return echo.NewHTTPError(http.StatusConflict, "identity number already registered")
	}

	pwHash, err := hash.HashPassword(req.Password)
	if err != nil {
		l.Error("register failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	user := models.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: pwHash,
		Role:         models.RoleUser,
		DateOfBirth:  req.DateOfBirth,
	}

	// The unique index on identity_records.user_id closes the exists/store
	// race for a single account. Two different accounts racing on the same
	// NIK can still both pass ExistsByNIK; the ciphertext is
	// non-deterministic, so no index catches that window. The transaction
	// keeps a half-registered account from surviving a failed store.
	err = h.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		dir := &identity.Directory{DB: tx, Key: h.Directory.Key, ScanTimeout: h.Directory.ScanTimeout}
		_, err := dir.Store(ctx, user.ID, req.NIK)
		return err
	})
	if err != nil {
		if errors.Is(err, identity.ErrDuplicate) {
			return echo.NewHTTPError(http.StatusConflict, "identity number already registered")
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return echo.NewHTTPError(http.StatusConflict, "email already registered")
		}
		l.Error("register failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	token, err := h.Tokens.Issue(user.ID.String(), user.Role)
	if err != nil {
		l.Error("register failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	h.publish(c, user.ID.String(), map[string]any{
		"type":   "user_registered",
		"userID": user.ID.String(),
		"role":   user.Role,
	})
	h.indexAccount(c, &user)
	l.Info("user registered", "user_id", user.ID.String())

	return c.JSON(http.StatusCreated, echo.Map{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
		"role":  user.Role,
		"token": token,
	})
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req struct {
		NIK      string `json:"nik"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if !validNIK(req.NIK) {
		return echo.NewHTTPError(http.StatusBadRequest, "identity number must be 16 digits")
	}

	user, err := h.Directory.FindByNIK(ctx, req.NIK)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			l.Warn("login rejected", "reason", "unknown identity")
			return echo.NewHTTPError(http.StatusUnauthorized, invalidCredentials)
		}
		l.Error("login failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	if !hash.CheckPassword(user.PasswordHash, req.Password) {
		l.Warn("login rejected", "reason", "bad secret", "user_id", user.ID.String())
		h.publish(c, user.ID.String(), map[string]any{
			"type":   "login_rejected",
			"userID": user.ID.String(),
		})
		return echo.NewHTTPError(http.StatusUnauthorized, invalidCredentials)
	}

	token, err := h.Tokens.Issue(user.ID.String(), user.Role)
	if err != nil {
		l.Error("login failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	h.publish(c, user.ID.String(), map[string]any{
		"type":   "user_logged_in",
		"userID": user.ID.String(),
		"role":   user.Role,
	})
	l.Info("login successful", "user_id", user.ID.String())

	return c.JSON(http.StatusOK, echo.Map{
		"accountId": user.ID,
		"role":      user.Role,
		"token":     token,
	})
}

func (h *AuthHandler) Profile(c echo.Context) error {
	ctx := c.Request().Context()

	var user models.User
	if err := h.DB.WithContext(ctx).First(&user, "id = ?", auth.UserID(c)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, user)
}

func (h *AuthHandler) UpdateProfile(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Name        string `json:"name"`
		DateOfBirth string `json:"dateOfBirth"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	var user models.User
	if err := h.DB.WithContext(ctx).First(&user, "id = ?", auth.UserID(c)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	if req.Name != "" {
		user.Name = req.Name
	}
	if req.DateOfBirth != "" {
		user.DateOfBirth = req.DateOfBirth
	}
	if err := h.DB.WithContext(ctx).Save(&user).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	h.indexAccount(c, &user)
	return c.JSON(http.StatusOK, user)
}
