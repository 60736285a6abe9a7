package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"keysafe.org/internal/custody"
	"keysafe.org/internal/directory"
	"keysafe.org/internal/notify"
)

// Walks the full custody protocol against an in-process service and verifies
// the end state. Useful as a quick sanity check after changes.
func main() {
	dir := directory.NewStatic()
	dir.PutUnit(directory.Unit{ID: "unit-1", OrgID: "org-1", Name: "Office 101", OwnerID: "owner-1", Active: true})
	dir.PutUser(directory.User{ID: "owner-1", Name: "Alex Owner", Active: true})
	dir.PutUser(directory.User{ID: "tenant-1", Name: "Kim Tenant", Active: true})

	sink := notify.NewMemory()
	svc := custody.NewInMemory(dir, sink, custody.OTPConfig{Secret: []byte("smoke-secret")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := svc.RegisterKey(ctx, custody.RegisterKeyParams{UnitID: "unit-1", Code: "SMOKE-1", Type: custody.KeyTypeMain})
	if err != nil {
		log.Fatalf("register key: %v", err)
	}
	req, err := svc.CreateRequest(ctx, key.ID, "tenant-1")
	if err != nil {
		log.Fatalf("create request: %v", err)
	}
	if _, err := svc.Approve(ctx, req.ID, "admin-1"); err != nil {
		log.Fatalf("approve: %v", err)
	}
	if _, err := svc.SendOTP(ctx, req.ID, "guard-1"); err != nil {
		log.Fatalf("send otp: %v", err)
	}

	code := otpFromNotifications(sink, req.ID)
	if code == "" {
		log.Fatal("otp code not delivered")
	}
	if _, err := svc.VerifyOTP(ctx, req.ID, code, "tenant-1"); err != nil {
		log.Fatalf("verify otp: %v", err)
	}

	tx, err := svc.Issue(ctx, custody.IssueParams{
		KeyID: key.ID, BearerID: "tenant-1", IssuerID: "guard-1",
		AccessMethod: custody.AccessOTP, RequestID: req.ID,
	})
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	if _, err := svc.Return(ctx, custody.ReturnParams{TransactionID: tx.ID, ActorID: "guard-1"}); err != nil {
		log.Fatalf("return: %v", err)
	}

	got, err := svc.GetKey(ctx, key.ID)
	if err != nil {
		log.Fatalf("get key: %v", err)
	}
	if got.Status != custody.KeyAvailable {
		log.Fatalf("key did not come back AVAILABLE: %s", got.Status)
	}
	open, err := svc.OpenTransactions(ctx)
	if err != nil {
		log.Fatalf("open transactions: %v", err)
	}
	if len(open) != 0 {
		log.Fatalf("transaction left open: %d", len(open))
	}

	fmt.Printf("✅ custody smoke test passed: key=%s tx=%s\n", key.ID, tx.ID)
}

// otpFromNotifications digs the 6-digit code out of the delivery message.
func otpFromNotifications(sink *notify.Memory, requestID string) string {
	for _, n := range sink.Sent() {
		if n.Title != "OTP for key request" || !strings.Contains(n.Message, requestID) {
			continue
		}
		if _, rest, ok := strings.Cut(n.Message, "is: "); ok && len(rest) >= 6 {
			return rest[:6]
		}
	}
	return ""
}
