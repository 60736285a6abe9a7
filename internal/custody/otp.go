package custody

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

const (
	defaultOTPTTL      = 5 * time.Minute
	defaultOTPAttempts = 5
)

// OTPConfig parameterises the challenge lifecycle. The secret keys the HMAC
// so a dump of stored hashes cannot be brute-forced offline without it.
type OTPConfig struct {
	Secret      []byte
	TTL         time.Duration
	MaxAttempts int
}

// WithDefaults fills unset fields with the production defaults.
func (c OTPConfig) WithDefaults() OTPConfig {
	if c.TTL <= 0 {
		c.TTL = defaultOTPTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultOTPAttempts
	}
	return c
}

// GenerateOTP returns a 6-digit numeric code from a CSPRNG.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashOTP derives the stored form of a code: hex(HMAC-SHA256(secret, code)).
func (c OTPConfig) HashOTP(code string) string {
	mac := hmac.New(sha256.New, c.Secret)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// MatchOTP compares a submitted code against the stored hash in constant time.
func (c OTPConfig) MatchOTP(storedHash, code string) bool {
	computed := c.HashOTP(code)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}
