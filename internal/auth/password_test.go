package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndCheckPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("secret1")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "secret1" {
		t.Fatal("expected a hash, got the password")
	}
	if err := CheckPassword(hash, "secret1"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestValidateCredentials(t *testing.T) {
	t.Parallel()

	cases := []struct {
		email, password string
		want            error
	}{
		{"dev@example.com", "secret1", nil},
		{"dev@example.com", "12345", ErrInvalidPassword},
		{"dev@example.com", strings.Repeat("x", 16), ErrInvalidPassword},
		{"not-an-email", "secret1", ErrInvalidEmail},
		{"Dev <dev@example.com>", "secret1", ErrInvalidEmail},
		{"", "secret1", ErrInvalidEmail},
	}
	for _, tc := range cases {
		if err := ValidateCredentials(tc.email, tc.password); !errors.Is(err, tc.want) {
			t.Fatalf("ValidateCredentials(%q, %q): got %v, want %v", tc.email, tc.password, err, tc.want)
		}
	}
}
