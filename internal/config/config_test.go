package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr: %s", c.HTTPAddr)
	}
	if c.OTPTTL != 5*time.Minute {
		t.Fatalf("unexpected otp ttl: %s", c.OTPTTL)
	}
	if c.OTPAttempts != 5 {
		t.Fatalf("unexpected attempt cap: %d", c.OTPAttempts)
	}
	if c.OverdueAfter != 24*time.Hour || c.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected sweep config: %s / %s", c.OverdueAfter, c.SweepInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KEYSAFE_HTTP_ADDR", ":9090")
	t.Setenv("KEYSAFE_OTP_TTL", "2m")

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTPAddr != ":9090" {
		t.Fatalf("env override ignored: %s", c.HTTPAddr)
	}
	if c.OTPTTL != 2*time.Minute {
		t.Fatalf("env override ignored: %s", c.OTPTTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
