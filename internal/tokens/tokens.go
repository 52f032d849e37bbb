// Package tokens issues and verifies the signed bearer credentials used by
// the API. Verification is stateless: there is no revocation list, expiry
// is the only termination mechanism, and the role claim reflects the role
// at issuance time.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpired   = errors.New("tokens: token expired")
	ErrMalformed = errors.New("tokens: token malformed")
	ErrUnknown   = errors.New("tokens: token verification failed")
)

type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	Secret []byte
	TTL    time.Duration
}

func NewService(secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{Secret: secret, TTL: ttl}
}

// Issue signs a claim set for the account. Expiry is issuedAt + TTL.
func (s *Service) Issue(accountID, role string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.Secret)
}

// Verify checks the signature first and the expiry second, surfacing
// exactly one of ErrExpired, ErrMalformed or ErrUnknown. The raw library
// error never reaches the caller.
func (s *Service) Verify(tokenStr string) (*AccessClaims, error) {
	var claims AccessClaims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrMalformed
		}
		return s.Secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenMalformed),
			errors.Is(err, jwt.ErrTokenSignatureInvalid),
			errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, ErrMalformed
		default:
			return nil, ErrUnknown
		}
	}
	if !tkn.Valid {
		return nil, ErrUnknown
	}
	return &claims, nil
}
