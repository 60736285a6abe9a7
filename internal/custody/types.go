package custody

import (
	"context"
	"time"
)

// KeyStatus is a pure function of the most recent open/closed transaction for
// the key; only the custody protocol and administrative lost-marking may
// change it.
type KeyStatus string

const (
	KeyAvailable KeyStatus = "AVAILABLE"
	KeyIssued    KeyStatus = "ISSUED"
	KeyLost      KeyStatus = "LOST"
)

// KeyType distinguishes the physical copies a unit holds.
type KeyType string

const (
	KeyTypeMain      KeyType = "MAIN"
	KeyTypeSpare     KeyType = "SPARE"
	KeyTypeEmergency KeyType = "EMERGENCY"
)

// RequestStatus tracks a key request through its lifecycle:
//
//	PENDING -> APPROVED -> OTP_SENT -> OTP_VERIFIED -> ISSUED
//	PENDING -> REJECTED
//	OTP_SENT -> OTP_SENT (resend)
type RequestStatus string

const (
	RequestPending     RequestStatus = "PENDING"
	RequestApproved    RequestStatus = "APPROVED"
	RequestRejected    RequestStatus = "REJECTED"
	RequestOTPSent     RequestStatus = "OTP_SENT"
	RequestOTPVerified RequestStatus = "OTP_VERIFIED"
	RequestIssued      RequestStatus = "ISSUED"
)

// TransactionStatus describes a custody transaction.
type TransactionStatus string

const (
	TransactionIssued   TransactionStatus = "ISSUED"
	TransactionReturned TransactionStatus = "RETURNED"
	TransactionLost     TransactionStatus = "LOST"
)

// AccessMethod is how the bearer authenticated at handover.
type AccessMethod string

const (
	AccessOTP  AccessMethod = "OTP"
	AccessQR   AccessMethod = "QR"
	AccessRFID AccessMethod = "RFID"
)

// ValidAccessMethod reports whether m is one of OTP, QR, RFID.
func ValidAccessMethod(m AccessMethod) bool {
	switch m {
	case AccessOTP, AccessQR, AccessRFID:
		return true
	}
	return false
}

// ValidKeyType reports whether t is one of MAIN, SPARE, EMERGENCY.
func ValidKeyType(t KeyType) bool {
	switch t {
	case KeyTypeMain, KeyTypeSpare, KeyTypeEmergency:
		return true
	}
	return false
}

// Key is a physical key registered against a unit.
type Key struct {
	ID        string    `json:"id"`
	UnitID    string    `json:"unit_id"`
	Code      string    `json:"code"`
	Type      KeyType   `json:"type"`
	LockerRef string    `json:"locker_ref,omitempty"`
	Status    KeyStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyRequest is an owner-initiated request for a key, carrying OTP material
// while a challenge is in flight. The code itself is never stored, only a
// keyed hash.
type KeyRequest struct {
	ID          string        `json:"id"`
	KeyID       string        `json:"key_id"`
	RequestedBy string        `json:"requested_by"`
	ApprovedBy  string        `json:"approved_by,omitempty"`
	Status      RequestStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`

	OTPHash       string     `json:"-"`
	OTPExpiresAt  *time.Time `json:"otp_expires_at,omitempty"`
	OTPVerifiedAt *time.Time `json:"otp_verified_at,omitempty"`
	OTPAttempts   int        `json:"-"`
}

// Transaction is the authoritative record of an issue/return cycle. For any
// key at most one transaction is open (status ISSUED, return time unset) at
// any committed point in time.
type Transaction struct {
	ID           string            `json:"id"`
	Sequence     uint64            `json:"sequence"`
	KeyID        string            `json:"key_id"`
	RequestID    string            `json:"request_id,omitempty"`
	IssuedTo     string            `json:"issued_to"`
	IssuedBy     string            `json:"issued_by"`
	AccessMethod AccessMethod      `json:"access_method"`
	Status       TransactionStatus `json:"status"`
	IssueTime    time.Time         `json:"issue_time"`
	ReturnTime   *time.Time        `json:"return_time,omitempty"`
}

// Open reports whether the transaction still holds custody of its key.
func (t Transaction) Open() bool {
	return t.Status == TransactionIssued && t.ReturnTime == nil
}

// RegisterKeyParams describes a new key.
type RegisterKeyParams struct {
	UnitID    string
	Code      string
	Type      KeyType
	LockerRef string
}

// IssueParams describes a key handover. RequestID must reference an
// OTP_VERIFIED request for the same key and bearer.
type IssueParams struct {
	KeyID        string
	BearerID     string
	IssuerID     string
	AccessMethod AccessMethod
	RequestID    string
}

// ReturnParams addresses the open transaction either directly or through the
// key; exactly one of the two must be set.
type ReturnParams struct {
	TransactionID string
	KeyID         string
	ActorID       string
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	RequesterID string
	Status      RequestStatus
}

// OverdueAlert is one open transaction past the age threshold, joined with
// enough context to notify the unit owner.
type OverdueAlert struct {
	TransactionID string
	KeyID         string
	KeyCode       string
	OwnerID       string
	IssueTime     time.Time
}

// Service is the custody core consumed by the HTTP layer and the sweep.
type Service interface {
	// Key registry.
	RegisterKey(ctx context.Context, p RegisterKeyParams) (Key, error)
	GetKey(ctx context.Context, id string) (Key, error)
	ListKeys(ctx context.Context, unitID string) ([]Key, error)
	MarkKeyLost(ctx context.Context, keyID, actorID string) (Key, error)

	// Request ledger.
	CreateRequest(ctx context.Context, keyID, requesterID string) (KeyRequest, error)
	Approve(ctx context.Context, requestID, approverID string) (KeyRequest, error)
	Reject(ctx context.Context, requestID, approverID, reason string) (KeyRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]KeyRequest, error)

	// OTP challenge manager.
	SendOTP(ctx context.Context, requestID, actorID string) (KeyRequest, error)
	VerifyOTP(ctx context.Context, requestID, code, actorID string) (KeyRequest, error)

	// Transaction ledger.
	Issue(ctx context.Context, p IssueParams) (Transaction, error)
	Return(ctx context.Context, p ReturnParams) (Transaction, error)
	MarkLost(ctx context.Context, transactionID, actorID string) (Transaction, error)
	OpenTransactions(ctx context.Context) ([]Transaction, error)

	// Overdue sweep support.
	Overdue(ctx context.Context, cutoff time.Time) ([]OverdueAlert, error)
}
