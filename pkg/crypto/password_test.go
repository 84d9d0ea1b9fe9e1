package crypto

import (
	"errors"
	"testing"
)

func TestHashAndCompare(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "correct horse"); err != nil {
		t.Fatalf("expected password to match: %v", err)
	}
	if err := ComparePassword(hash, "wrong horse"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
}
