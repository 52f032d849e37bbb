package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/hash"
	"github.com/jantungin/screening-api/internal/identity"
	"github.com/jantungin/screening-api/internal/middleware/auth"
	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/nikcipher"
	"github.com/jantungin/screening-api/internal/ratelimit"
	"github.com/jantungin/screening-api/internal/tokens"
)

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.IdentityRecord{}))
	return db
}

func newAuthHandler(t *testing.T) (*AuthHandler, *gorm.DB) {
	t.Helper()
	db := initTestDB(t)
	key := nikcipher.NormalizeKey("test-encryption-key")
	return &AuthHandler{
		DB:        db,
		Directory: identity.NewDirectory(db, key),
		Tokens:    tokens.NewService([]byte("test-jwt-secret"), time.Hour),
	}, db
}

func jsonRequest(t *testing.T, e *echo.Echo, method, path string, payload any) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func registerPayload(email, nik string) map[string]string {
	return map[string]string{
		"name":        "Test User",
		"email":       email,
		"nik":         nik,
		"password":    "password123",
		"dateOfBirth": "1998-01-14",
	}
}

func TestRegister(t *testing.T) {
	h, db := newAuthHandler(t)
	e := echo.New()

	c, rec := jsonRequest(t, e, http.MethodPost, "/register", registerPayload("test@example.com", "3507261401980001"))
	require.NoError(t, h.Register(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "test@example.com", resp["email"])
	require.Equal(t, models.RoleUser, resp["role"])
	require.NotEmpty(t, resp["token"])

	claims, err := h.Tokens.Verify(resp["token"].(string))
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, claims.Role)

	var user models.User
	require.NoError(t, db.First(&user, "email = ?", "test@example.com").Error)
	require.NotEqual(t, "password123", user.PasswordHash)

	var rec2 models.IdentityRecord
	require.NoError(t, db.First(&rec2, "user_id = ?", user.ID).Error)
	require.NotContains(t, rec2.Ciphertext, "3507261401980001")
	require.Contains(t, rec2.Ciphertext, ":")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	h, _ := newAuthHandler(t)
	e := echo.New()

	c, _ := jsonRequest(t, e, http.MethodPost, "/register", registerPayload("test@example.com", "1111111111111111"))
	require.NoError(t, h.Register(c))

	c, _ = jsonRequest(t, e, http.MethodPost, "/register", registerPayload("test@example.com", "2222222222222222"))
	err := h.Register(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusConflict, he.Code)
}

func TestRegisterDuplicateNIK(t *testing.T) {
	h, _ := newAuthHandler(t)
	e := echo.New()

	c, _ := jsonRequest(t, e, http.MethodPost, "/register", registerPayload("first@example.com", "1111111111111111"))
	require.NoError(t, h.Register(c))

	c, _ = jsonRequest(t, e, http.MethodPost, "/register", registerPayload("second@example.com", "1111111111111111"))
	err := h.Register(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusConflict, he.Code)
	require.Equal(t, "identity number already registered", he.Message)
}

func TestRegisterInvalidNIK(t *testing.T) {
	h, _ := newAuthHandler(t)
	e := echo.New()

	for _, nik := range []string{"", "123", "12345678901234567", "123456789012345x"} {
		c, _ := jsonRequest(t, e, http.MethodPost, "/register", registerPayload("a@example.com", nik))
		err := h.Register(c)
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok, "nik %q", nik)
		require.Equal(t, http.StatusBadRequest, he.Code)
	}
}

func TestLogin(t *testing.T) {
	h, _ := newAuthHandler(t)
	e := echo.New()

	c, _ := jsonRequest(t, e, http.MethodPost, "/register", registerPayload("test@example.com", "3507261401980001"))
	require.NoError(t, h.Register(c))

	c, rec := jsonRequest(t, e, http.MethodPost, "/login", map[string]string{
		"nik":      "3507261401980001",
		"password": "password123",
	})
	require.NoError(t, h.Login(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.RoleUser, resp["role"])
	require.NotEmpty(t, resp["accountId"])

	claims, err := h.Tokens.Verify(resp["token"].(string))
	require.NoError(t, err)
	require.Equal(t, resp["accountId"], claims.Subject)
}

// A wrong password and an unknown identity number must be
// indistinguishable to the caller.
func TestLoginFailuresAreVague(t *testing.T) {
	h, _ := newAuthHandler(t)
	e := echo.New()

	c, _ := jsonRequest(t, e, http.MethodPost, "/register", registerPayload("test@example.com", "3507261401980001"))
	require.NoError(t, h.Register(c))

	c, _ = jsonRequest(t, e, http.MethodPost, "/login", map[string]string{
		"nik":      "3507261401980001",
		"password": "wrong-password",
	})
	errWrongSecret := h.Login(c)
	heSecret, ok := errWrongSecret.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, heSecret.Code)

	c, _ = jsonRequest(t, e, http.MethodPost, "/login", map[string]string{
		"nik":      "9999999999999999",
		"password": "password123",
	})
	errUnknown := h.Login(c)
	heUnknown, ok := errUnknown.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, heUnknown.Code)

	require.Equal(t, heSecret.Message, heUnknown.Message)
}

// Five failed attempts reach the handler; the sixth is cut off by the
// auth limiter before the directory is ever consulted.
func TestLoginThrottling(t *testing.T) {
	h, _ := newAuthHandler(t)

	e := echo.New()
	limiter := ratelimit.New(5, time.Minute)
	e.POST("/login", h.Login, limiter.Middleware())

	c, _ := jsonRequest(t, echo.New(), http.MethodPost, "/register", registerPayload("test@example.com", "3507261401980001"))
	require.NoError(t, h.Register(c))

	do := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{
			"nik":      "3507261401980001",
			"password": "wrong-password",
		})
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		rec := do()
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Greater(t, secs, 0)
	require.LessOrEqual(t, secs, 60)
}

func TestProfile(t *testing.T) {
	h, db := newAuthHandler(t)
	e := echo.New()

	user := models.User{Name: "Alice", Email: "alice@example.com", PasswordHash: mustHash(t, "pw"), Role: models.RoleUser}
	require.NoError(t, db.Create(&user).Error)

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	auth.SetUser(c, user.ID.String(), user.Role)

	require.NoError(t, h.Profile(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, user.ID, got.ID)
	require.NotContains(t, rec.Body.String(), user.PasswordHash)
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := hash.HashPassword(pw)
	require.NoError(t, err)
	return h
}
