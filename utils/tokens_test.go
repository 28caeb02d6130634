package utils

import (
	"testing"
	"time"
)

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager("test-signing-key")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	token, err := m.NewJWT(42, time.Minute)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}

	userID, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if userID != 42 {
		t.Errorf("user id = %d; want 42", userID)
	}
}

func TestManagerRejectsExpired(t *testing.T) {
	m, _ := NewManager("test-signing-key")
	token, err := m.NewJWT(7, -time.Minute)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}
	if _, err := m.Parse(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestManagerRejectsForeignKey(t *testing.T) {
	m1, _ := NewManager("key-one")
	m2, _ := NewManager("key-two")

	token, err := m1.NewJWT(7, time.Minute)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}
	if _, err := m2.Parse(token); err == nil {
		t.Fatal("expected token signed with another key to fail")
	}
}

func TestNewRefreshToken(t *testing.T) {
	m, _ := NewManager("test-signing-key")
	a, err := m.NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	b, err := m.NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("token length = %d; want 64 hex chars", len(a))
	}
	if a == b {
		t.Error("two refresh tokens should differ")
	}
}

func TestNewManagerEmptyKey(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Fatal("expected error for empty signing key")
	}
}
