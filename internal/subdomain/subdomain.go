// Package subdomain allocates tunnel names: validated user-chosen labels or
// random generated ones.
package subdomain

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"

	"github.com/hcodes/tunnel/internal/domain"
)

// GeneratedLength is the length of generated names.
const GeneratedLength = 10

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var labelPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// Allocate returns the tunnel name to use. A generated name is returned when
// requested is empty or custom names are not allowed; otherwise requested is
// normalized and validated.
func Allocate(requested string, allowCustom bool) (string, error) {
	requested = Normalize(requested)
	if requested == "" || !allowCustom {
		return Generate()
	}
	if !Valid(requested) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidNameFormat, requested)
	}
	return requested, nil
}

// Normalize lower-cases and trims a requested label.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Valid reports whether name is an acceptable lower-case DNS label.
func Valid(name string) bool {
	return labelPattern.MatchString(name)
}

// Generate returns a random [GeneratedLength]-character lower-case
// alphanumeric label.
func Generate() (string, error) {
	return randomSlug(GeneratedLength)
}

func randomSlug(length int) (string, error) {
	const n = byte(len(alphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	const maxFair = 256 - (256 % int(n))
	slug := make([]byte, length)
	buf := make([]byte, length+16)
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			slug[filled] = alphabet[b%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(slug), nil
}
