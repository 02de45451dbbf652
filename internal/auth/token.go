package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "fleetsync-api"

// Claims are the access token claims. Role is the actual role id at issue
// time; authorization always re-reads the user, so it is informational.
type Claims struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	SuperAdmin bool   `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs claims with HS256. Subject, ID and ExpiresAt are required.
func IssueToken(secret []byte, claims Claims) (string, error) {
	if claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return "", fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	if claims.Issuer == "" {
		claims.Issuer = issuer
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// NewClaims is a convenience constructor for the common claim set.
func NewClaims(userID, name, role, jti string, superAdmin bool, expiresAt time.Time) Claims {
	return Claims{
		Name:       name,
		Role:       role,
		SuperAdmin: superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
