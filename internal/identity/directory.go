// Package identity stores encrypted national identity numbers and looks
// accounts up by plaintext NIK. Because the cipher is non-deterministic
// there is no ciphertext to index: every lookup decrypts candidate records
// until one matches. Cost is O(n) cipher operations per lookup, n being
// the number of stored identities; this is the documented scaling limit of
// the scheme.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/logging"
	"github.com/jantungin/screening-api/internal/models"
	"github.com/jantungin/screening-api/internal/nikcipher"
)

var (
	ErrNotFound  = errors.New("identity: not found")
	ErrDuplicate = errors.New("identity: already registered")
	// ErrUnavailable wraps storage failures so callers can tell a broken
	// store apart from a clean miss.
	ErrUnavailable = errors.New("identity: storage unavailable")
)

type Directory struct {
	DB  *gorm.DB
	Key []byte

	// ScanTimeout bounds the linear scan; zero means 5s.
	ScanTimeout time.Duration
}

func NewDirectory(db *gorm.DB, key []byte) *Directory {
	return &Directory{DB: db, Key: key, ScanTimeout: 5 * time.Second}
}

type scanRow struct {
	models.IdentityRecord
	Role string
}

func (d *Directory) scan(ctx context.Context, nik string) (*scanRow, error) {
	timeout := d.ScanTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := logging.FromContext(ctx)

	// Patient accounts dominate login traffic, so scan them first. The
	// ordering is a latency optimization, not a correctness requirement.
	var rows []scanRow
	err := d.DB.WithContext(ctx).
		Model(&models.IdentityRecord{}).
		Select("identity_records.*, users.role AS role").
		Joins("JOIN users ON users.id = identity_records.user_id").
		Order("users.role DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for i := range rows {
		plain, err := nikcipher.Decrypt(rows[i].Ciphertext, d.Key)
		if err != nil {
			// Skip the record, keep scanning. Log the record id only,
			// never the ciphertext or any attempted plaintext.
			l.Warn("identity record failed to decrypt",
				"record_id", rows[i].ID)
			continue
		}
		if plain == nik {
			return &rows[i], nil
		}
	}
	return nil, ErrNotFound
}

// FindByNIK returns the account owning the given plaintext identity
// number, or ErrNotFound.
func (d *Directory) FindByNIK(ctx context.Context, nik string) (*models.User, error) {
	row, err := d.scan(ctx, nik)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := d.DB.WithContext(ctx).First(&user, "id = ?", row.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &user, nil
}

// ExistsByNIK reports whether any record decrypts to the given identity
// number. It never returns the owning account.
func (d *Directory) ExistsByNIK(ctx context.Context, nik string) (bool, error) {
	_, err := d.scan(ctx, nik)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Store encrypts the identity number under a fresh IV and persists it for
// the account. The unique index on user_id is the real duplicate guard:
// two concurrent stores for the same account cannot both succeed even if
// both passed an ExistsByNIK check.
func (d *Directory) Store(ctx context.Context, userID uuid.UUID, nik string) (*models.IdentityRecord, error) {
	blob, err := nikcipher.Encrypt(nik, d.Key)
	if err != nil {
		return nil, err
	}

	rec := models.IdentityRecord{UserID: userID, Ciphertext: blob}
	if err := d.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &rec, nil
}

// Rotate re-encrypts an account's identity record with a fresh IV. The
// stored plaintext does not change, only the blob.
func (d *Directory) Rotate(ctx context.Context, userID uuid.UUID) error {
	var rec models.IdentityRecord
	if err := d.DB.WithContext(ctx).First(&rec, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	plain, err := nikcipher.Decrypt(rec.Ciphertext, d.Key)
	if err != nil {
		return fmt.Errorf("identity: record %d cannot be rotated: %w", rec.ID, err)
	}

	blob, err := nikcipher.Encrypt(plain, d.Key)
	if err != nil {
		return err
	}

	if err := d.DB.WithContext(ctx).Model(&rec).Update("ciphertext", blob).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteByUser removes the account's identity record, if any. Used when
// the owning account is deleted.
func (d *Directory) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	if err := d.DB.WithContext(ctx).Delete(&models.IdentityRecord{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
