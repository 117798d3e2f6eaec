package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"ipwarden/internal/support"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Operator is the single login configured through ADMIN_USERNAME and
// ADMIN_PASSWORD_HASH (a bcrypt hash).
type Operator struct {
	Username     string
	PasswordHash string
}

func OperatorFromEnv() Operator {
	return Operator{
		Username:     strings.TrimSpace(support.GetEnv("ADMIN_USERNAME", "")),
		PasswordHash: strings.TrimSpace(support.GetEnv("ADMIN_PASSWORD_HASH", "")),
	}
}

func (o Operator) Configured() bool {
	return o.Username != "" && o.PasswordHash != ""
}

// Authenticate returns an admin token for matching credentials.
func (o Operator) Authenticate(username, password string) (string, error) {
	if !o.Configured() || username != o.Username || !CheckPasswordHash(password, o.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	return GenerateJWT(o.Username, RoleAdmin, DefaultTokenTTL)
}
