package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Password length bounds for account registration.
const (
	MinPasswordLen = 6
	MaxPasswordLen = 15
)

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidPassword = fmt.Errorf("password must be %d-%d characters", MinPasswordLen, MaxPasswordLen)
	ErrBadCredentials  = errors.New("invalid email or password")
)

// ValidateCredentials checks the shape of a registration request.
func ValidateCredentials(email, password string) error {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	if n := len(password); n < MinPasswordLen || n > MaxPasswordLen {
		return ErrInvalidPassword
	}
	return nil
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword returns [ErrBadCredentials] when password does not match hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
