package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser   = "user"
	RoleDoctor = "doctor"
	RoleAdmin  = "admin"
)

// ValidRole reports whether role is one of the enumerated account roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleDoctor || role == RoleAdmin
}

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"           json:"id"`
	Name         string    `gorm:"not null"                       json:"name"`
	Email        string    `gorm:"unique;not null"                json:"email"`
	PasswordHash string    `gorm:"not null"                       json:"-"`
	Role         string    `gorm:"not null;default:user"          json:"role"`
	DateOfBirth  string    `json:"dateOfBirth,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// IdentityRecord holds one user's encrypted national identity number.
// Ciphertext is the opaque hex(iv):hex(ct) blob; the plaintext NIK is
// never persisted or logged.
type IdentityRecord struct {
	ID         uint      `gorm:"primaryKey"                     json:"id"`
	UserID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Ciphertext string    `gorm:"not null"                       json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
