package rendezvous

import (
	"errors"
	"testing"
)

func TestGenerateSessionID_ProducesSixDigits(t *testing.T) {
	t.Parallel()

	for i := 0; i < 64; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID: %v", err)
		}
		if err := ValidateSessionID(id); err != nil {
			t.Fatalf("generated id %q failed validation: %v", id, err)
		}
	}
}

func TestValidateSessionID(t *testing.T) {
	t.Parallel()

	valid := []string{"000000", "123456", "999999", "482913"}
	for _, id := range valid {
		if err := ValidateSessionID(id); err != nil {
			t.Errorf("ValidateSessionID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"12345",
		"1234567",
		"12a456",
		" 23456",
		"123 56",
		"12345\n",
		"-12345",
		"１２３４５６",
	}
	for _, id := range invalid {
		err := ValidateSessionID(id)
		if err == nil {
			t.Errorf("ValidateSessionID(%q) = nil, want error", id)
			continue
		}
		if !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("ValidateSessionID(%q) = %v, want ErrInvalidSessionID", id, err)
		}
	}
}
