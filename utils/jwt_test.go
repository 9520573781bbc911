package utils

import (
	"testing"

	"leadloop/config"
	"leadloop/models"
)

func TestJWTRoundTrip(t *testing.T) {
	config.AppConfig.EncryptionKey = "test-encryption-key"

	user := &models.User{Email: "user@example.com", TokenVersion: 3}
	user.ID = 42

	token, err := GenerateJWTToken(user)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	claims, err := ParseJWTToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("user_id = %d, want 42", claims.UserID)
	}
	if claims.TokenVersion != 3 {
		t.Errorf("token_version = %d, want 3", claims.TokenVersion)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	config.AppConfig.EncryptionKey = "test-encryption-key"

	user := &models.User{Email: "user@example.com"}
	user.ID = 1
	token, err := GenerateJWTToken(user)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	config.AppConfig.EncryptionKey = "a-different-key"
	if _, err := ParseJWTToken(token); err == nil {
		t.Fatal("expected signature error for wrong key, got nil")
	}
}
