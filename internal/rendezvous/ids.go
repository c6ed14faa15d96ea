package rendezvous

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// SessionIDLength is the number of decimal digits in a session id.
const SessionIDLength = 6

var ErrInvalidSessionID = errors.New("session id must be exactly 6 digits")

var sessionIDSpace = big.NewInt(1_000_000)

// GenerateSessionID returns a random six-digit id, zero-padded. Ids are short
// enough to read aloud; a collision overwrites the older document rather than
// failing, so uniqueness is best-effort.
func GenerateSessionID() (string, error) {
	n, err := rand.Int(rand.Reader, sessionIDSpace)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("%06d", n), nil
}

// ValidateSessionID checks the six-decimal-digit form. Leading zeros are
// significant: "000111" is a valid id.
func ValidateSessionID(id string) error {
	if len(id) != SessionIDLength {
		return ErrInvalidSessionID
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return ErrInvalidSessionID
		}
	}
	return nil
}
