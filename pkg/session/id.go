package session

import (
	"crypto/rand"
	"fmt"
	"regexp"

	"github.com/aretw0/tendril/pkg/domain"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// GenerateID returns a random session token: 26 characters drawn uniformly from
// the base32 alphabet (A-Z, 2-7).
func GenerateID() string {
	return rand.Text()
}

// ValidateID rejects empty, oversized or malformed session tokens.
func ValidateID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidSessionID)
	}
	if len(sessionID) > domain.MaxSessionIDLength {
		return fmt.Errorf("%w: longer than %d characters", domain.ErrInvalidSessionID, domain.MaxSessionIDLength)
	}
	if sessionID == "." || sessionID == ".." {
		return fmt.Errorf("%w: %q is reserved", domain.ErrInvalidSessionID, sessionID)
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: %q contains unsupported characters", domain.ErrInvalidSessionID, sessionID)
	}
	return nil
}
