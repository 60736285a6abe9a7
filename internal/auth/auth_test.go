package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv("KEYSAFE_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-42", []string{"Security", "security", "Owner"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("KEYSAFE_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := ParseAndValidate("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Setenv("KEYSAFE_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := GenerateToken("user-1", nil, -time.Minute); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "security"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "security") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, RoleOwner) {
		t.Fatalf("unexpected role found")
	}
}
