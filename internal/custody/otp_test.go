package custody

import (
	"context"
	"testing"
	"time"
)

func TestGenerateOTP(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateOTP()
		if err != nil {
			t.Fatalf("GenerateOTP: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q is not 6 digits", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code %q contains non-digit", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatalf("generator returned the same code 50 times")
	}
}

func TestHashOTP(t *testing.T) {
	cfg := OTPConfig{Secret: []byte("s1")}.WithDefaults()
	other := OTPConfig{Secret: []byte("s2")}.WithDefaults()

	h := cfg.HashOTP("123456")
	if h != cfg.HashOTP("123456") {
		t.Fatalf("hash is not deterministic")
	}
	if h == cfg.HashOTP("123457") {
		t.Fatalf("different codes must hash differently")
	}
	if h == other.HashOTP("123456") {
		t.Fatalf("hash must be keyed by the secret")
	}
	if !cfg.MatchOTP(h, "123456") {
		t.Fatalf("MatchOTP rejected the right code")
	}
	if cfg.MatchOTP(h, "000000") {
		t.Fatalf("MatchOTP accepted a wrong code")
	}
}

func TestVerifyOTPExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.registerKey(t, "K-1")
	req, _ := f.svc.CreateRequest(ctx, key.ID, "bearer-0")
	if _, err := f.svc.Approve(ctx, req.ID, "admin-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.svc.SendOTP(ctx, req.ID, "guard-1"); err != nil {
		t.Fatalf("SendOTP: %v", err)
	}

	f.advance(5*time.Minute + time.Second)
	if _, err := f.svc.VerifyOTP(ctx, req.ID, "123456", "bearer-0"); KindOf(err) != KindExpired {
		t.Fatalf("expected EXPIRED, got %v", err)
	}

	// A resend issues a fresh window.
	if _, err := f.svc.SendOTP(ctx, req.ID, "guard-1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if _, err := f.svc.VerifyOTP(ctx, req.ID, "123456", "bearer-0"); err != nil {
		t.Fatalf("verify after resend: %v", err)
	}
}

func TestVerifyOTPAttemptCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.registerKey(t, "K-1")
	req, _ := f.svc.CreateRequest(ctx, key.ID, "bearer-0")
	if _, err := f.svc.Approve(ctx, req.ID, "admin-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.svc.SendOTP(ctx, req.ID, "guard-1"); err != nil {
		t.Fatalf("SendOTP: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := f.svc.VerifyOTP(ctx, req.ID, "999999", "bearer-0"); KindOf(err) != KindInvalidCode {
			t.Fatalf("attempt %d: expected INVALID_CODE, got %v", i+1, err)
		}
	}
	// The cap holds even for the correct code.
	if _, err := f.svc.VerifyOTP(ctx, req.ID, "123456", "bearer-0"); KindOf(err) != KindTooManyAttempts {
		t.Fatalf("expected TOO_MANY_ATTEMPTS, got %v", err)
	}

	// A resend resets the counter.
	if _, err := f.svc.SendOTP(ctx, req.ID, "guard-1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if _, err := f.svc.VerifyOTP(ctx, req.ID, "123456", "bearer-0"); err != nil {
		t.Fatalf("verify after resend: %v", err)
	}
}
