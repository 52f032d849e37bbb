package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/nikcipher"
)

var testKey = nikcipher.NormalizeKey("test-encryption-key")

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.IdentityRecord{}))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, name, email, role string) *models.User {
	t.Helper()
	user := models.User{Name: name, Email: email, PasswordHash: "x", Role: role}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func TestFindByNIK(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	alice := seedUser(t, db, "Alice", "alice@example.com", models.RoleUser)
	bob := seedUser(t, db, "Bob", "bob@example.com", models.RoleUser)
	carol := seedUser(t, db, "Carol", "carol@example.com", models.RoleAdmin)

	niks := map[string]*models.User{
		"1111111111111111": alice,
		"2222222222222222": bob,
		"3333333333333333": carol,
	}
	for nik, u := range niks {
		_, err := dir.Store(ctx, u.ID, nik)
		require.NoError(t, err)
	}

	found, err := dir.FindByNIK(ctx, "2222222222222222")
	require.NoError(t, err)
	require.Equal(t, bob.ID, found.ID)

	_, err = dir.FindByNIK(ctx, "4444444444444444")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindByNIKSkipsUndecryptableRecords(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	broken := seedUser(t, db, "Broken", "broken@example.com", models.RoleUser)
	require.NoError(t, db.Create(&models.IdentityRecord{
		UserID:     broken.ID,
		Ciphertext: "not-a-valid-blob",
	}).Error)

	// A record encrypted under a different key must also be skipped, not
	// abort the scan.
	otherKey := nikcipher.NormalizeKey("some-old-rotated-away-key")
	foreign := seedUser(t, db, "Foreign", "foreign@example.com", models.RoleUser)
	blob, err := nikcipher.Encrypt("9999999999999999", otherKey)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.IdentityRecord{UserID: foreign.ID, Ciphertext: blob}).Error)

	target := seedUser(t, db, "Target", "target@example.com", models.RoleUser)
	_, err = dir.Store(ctx, target.ID, "5555555555555555")
	require.NoError(t, err)

	found, err := dir.FindByNIK(ctx, "5555555555555555")
	require.NoError(t, err)
	require.Equal(t, target.ID, found.ID)
}

func TestExistsByNIK(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	user := seedUser(t, db, "Alice", "alice@example.com", models.RoleUser)
	_, err := dir.Store(ctx, user.ID, "1111111111111111")
	require.NoError(t, err)

	ok, err := dir.ExistsByNIK(ctx, "1111111111111111")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = dir.ExistsByNIK(ctx, "2222222222222222")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreEncryptsAndIsNonDeterministic(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	a := seedUser(t, db, "A", "a@example.com", models.RoleUser)
	b := seedUser(t, db, "B", "b@example.com", models.RoleUser)

	recA, err := dir.Store(ctx, a.ID, "1234567890123456")
	require.NoError(t, err)
	recB, err := dir.Store(ctx, b.ID, "1234567890123456")
	require.NoError(t, err)

	require.NotContains(t, recA.Ciphertext, "1234567890123456")
	require.Contains(t, recA.Ciphertext, ":")
	// Same plaintext, different blobs: the ciphertext is useless as an
	// equality index.
	require.NotEqual(t, recA.Ciphertext, recB.Ciphertext)
}

func TestStoreDuplicateRejected(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	user := seedUser(t, db, "Alice", "alice@example.com", models.RoleUser)

	_, err := dir.Store(ctx, user.ID, "1111111111111111")
	require.NoError(t, err)

	_, err = dir.Store(ctx, user.ID, "1111111111111111")
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestRotate(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	user := seedUser(t, db, "Alice", "alice@example.com", models.RoleUser)
	rec, err := dir.Store(ctx, user.ID, "1111111111111111")
	require.NoError(t, err)
	before := rec.Ciphertext

	require.NoError(t, dir.Rotate(ctx, user.ID))

	var after models.IdentityRecord
	require.NoError(t, db.First(&after, "user_id = ?", user.ID).Error)
	require.NotEqual(t, before, after.Ciphertext)

	found, err := dir.FindByNIK(ctx, "1111111111111111")
	require.NoError(t, err)
	require.Equal(t, user.ID, found.ID)

	require.ErrorIs(t, dir.Rotate(ctx, seedUser(t, db, "N", "n@example.com", models.RoleUser).ID), ErrNotFound)
}

func TestDeleteByUser(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)
	ctx := context.Background()

	user := seedUser(t, db, "Alice", "alice@example.com", models.RoleUser)
	_, err := dir.Store(ctx, user.ID, "1111111111111111")
	require.NoError(t, err)

	require.NoError(t, dir.DeleteByUser(ctx, user.ID))

	ok, err := dir.ExistsByNIK(ctx, "1111111111111111")
	require.NoError(t, err)
	require.False(t, ok)
}

// A dead request context degrades to a storage error instead of hanging
// the scan.
func TestFindByNIKContextCanceled(t *testing.T) {
	db := initTestDB(t)
	dir := NewDirectory(db, testKey)

	user := seedUser(t, db, "Alice", "alice@example.com", models.RoleUser)
	_, err := dir.Store(context.Background(), user.ID, "1111111111111111")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = dir.FindByNIK(ctx, "1111111111111111")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestScanStorageUnavailable(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	dir := NewDirectory(db, testKey)

	_, err = dir.FindByNIK(context.Background(), "1111111111111111")
	require.ErrorIs(t, err, ErrUnavailable)
}
