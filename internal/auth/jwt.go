package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"ipwarden/internal/support"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	DefaultTokenTTL = 24 * time.Hour
	issuer          = "ipwarden"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")

	secretOnce sync.Once
	secret     []byte
)

// Claims carries the caller identity in the subject and its role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func signingKey() []byte {
	secretOnce.Do(func() {
		if value := support.GetEnv("JWT_SECRET", ""); value != "" {
			secret = []byte(value)
			return
		}
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("auth: generate signing key: %v", err))
		}
		log.Warn("JWT_SECRET not set, using a random key; tokens will not survive a restart")
	})
	return secret
}

// GenerateJWT issues an HS256 token for subject. A non-positive ttl uses
// DefaultTokenTTL.
func GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: subject is required")
	}
	if role == "" {
		role = RoleUser
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey())
}

func ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return signingKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
