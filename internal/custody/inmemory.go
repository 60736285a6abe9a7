package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keysafe.org/internal/audit"
	"keysafe.org/internal/directory"
	"keysafe.org/internal/ids"
	"keysafe.org/internal/notify"
	"keysafe.org/internal/obs"
)

// InMemory implements Service with in-process concurrency safety. The per-key
// mutex plays the role of the database row lock: all mutating operations on
// one key acquire it first and re-check state under it, so concurrent
// issue/return attempts on the same key are totally ordered.
type InMemory struct {
	mu       sync.Mutex
	keys     map[string]*Key
	requests map[string]*KeyRequest
	txs      map[string]*Transaction
	txSeq    uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	dir      directory.Directory
	notifier notify.Notifier
	otp      OTPConfig

	now     func() time.Time
	genCode func() (string, error)
}

var _ Service = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCodeGenerator overrides OTP code generation (useful for tests).
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.genCode = fn
		}
	}
}

// NewInMemory creates a fresh custody service backed by process memory.
func NewInMemory(dir directory.Directory, notifier notify.Notifier, otp OTPConfig, opts ...Option) *InMemory {
	s := &InMemory{
		keys:     make(map[string]*Key),
		requests: make(map[string]*KeyRequest),
		txs:      make(map[string]*Transaction),
		locks:    make(map[string]*sync.Mutex),
		dir:      dir,
		notifier: notifier,
		otp:      otp.WithDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		genCode:  GenerateOTP,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// keyLock returns the serialization mutex for one key, creating it on first
// use. Lock lifetime is the process lifetime; the key space is small.
func (s *InMemory) keyLock(keyID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[keyID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[keyID] = l
	}
	return l
}

// --- Key registry ---------------------------------------------------------

func (s *InMemory) RegisterKey(ctx context.Context, p RegisterKeyParams) (Key, error) {
	if p.UnitID == "" || p.Code == "" {
		return Key{}, E(KindInvalidArgument, "unit_id and code are required")
	}
	if !ValidKeyType(p.Type) {
		return Key{}, E(KindInvalidArgument, "type must be one of MAIN, SPARE, EMERGENCY")
	}
	unit, err := s.dir.Unit(ctx, p.UnitID)
	if err != nil || !unit.Active {
		return Key{}, E(KindInvalidReference, "unit is unknown or inactive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Code == p.Code {
			return Key{}, E(KindConflict, "key code already exists")
		}
	}
	key := &Key{
		ID:        ids.New(),
		UnitID:    p.UnitID,
		Code:      p.Code,
		Type:      p.Type,
		LockerRef: p.LockerRef,
		Status:    KeyAvailable,
		CreatedAt: s.now(),
	}
	s.keys[key.ID] = key
	return *key, nil
}

func (s *InMemory) GetKey(ctx context.Context, id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return Key{}, E(KindNotFound, "key not found")
	}
	return *k, nil
}

func (s *InMemory) ListKeys(ctx context.Context, unitID string) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Key
	for _, k := range s.keys {
		if unitID != "" && k.UnitID != unitID {
			continue
		}
		res = append(res, *k)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) MarkKeyLost(ctx context.Context, keyID, actorID string) (Key, error) {
	lock := s.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	k, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return Key{}, E(KindNotFound, "key not found")
	}
	k.Status = KeyLost
	// Close any open custody so a later return cannot flip the key back
	// to AVAILABLE.
	var closedTx string
	for _, tx := range s.txs {
		if tx.KeyID != keyID || !tx.Open() {
			continue
		}
		lost := s.now()
		tx.Status = TransactionLost
		tx.ReturnTime = &lost
		closedTx = tx.ID
	}
	out := *k
	s.mu.Unlock()

	fields := map[string]any{"key_id": keyID, "actor": actorID}
	if closedTx != "" {
		fields["transaction_id"] = closedTx
	}
	s.audit(ctx, "custody.key.lost", fields)
	return out, nil
}

// --- Request ledger -------------------------------------------------------

func (s *InMemory) CreateRequest(ctx context.Context, keyID, requesterID string) (KeyRequest, error) {
	if keyID == "" || requesterID == "" {
		return KeyRequest{}, E(KindInvalidArgument, "key_id and requester are required")
	}
	user, err := s.dir.User(ctx, requesterID)
	if err != nil || !user.Active {
		return KeyRequest{}, E(KindInvalidReference, "requester is unknown or inactive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return KeyRequest{}, E(KindNotFound, "key not found")
	}
	if key.Status == KeyLost {
		return KeyRequest{}, E(KindInvalidArgument, "key is marked LOST")
	}
	for _, r := range s.requests {
		if r.KeyID == keyID && r.RequestedBy == requesterID && r.Status == RequestPending {
			return KeyRequest{}, E(KindDuplicatePending, "a PENDING request for this key already exists")
		}
	}
	req := &KeyRequest{
		ID:          ids.New(),
		KeyID:       keyID,
		RequestedBy: requesterID,
		Status:      RequestPending,
		RequestedAt: s.now(),
	}
	s.requests[req.ID] = req

	s.audit(ctx, "custody.request.create", map[string]any{"request_id": req.ID, "key_id": keyID})
	return *req, nil
}

func (s *InMemory) Approve(ctx context.Context, requestID, approverID string) (KeyRequest, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return KeyRequest{}, E(KindNotFound, "request not found")
	}
	if req.Status != RequestPending {
		s.mu.Unlock()
		return KeyRequest{}, E(KindIllegalTransition, fmt.Sprintf("only PENDING requests can be approved (current: %s)", req.Status))
	}
	// Availability is re-checked here, not just at request creation.
	key, ok := s.keys[req.KeyID]
	if !ok || key.Status != KeyAvailable {
		s.mu.Unlock()
		return KeyRequest{}, E(KindKeyUnavailable, "key is not AVAILABLE")
	}
	req.Status = RequestApproved
	req.ApprovedBy = approverID
	out := *req
	s.mu.Unlock()

	s.audit(ctx, "custody.request.approve", map[string]any{"request_id": requestID, "approver": approverID})
	s.send(ctx, notify.Notification{
		UserID:  out.RequestedBy,
		Title:   "Key request approved",
		Message: fmt.Sprintf("Your key request %s has been approved.", requestID),
		Channel: notify.ChannelEmail,
	})
	return out, nil
}

func (s *InMemory) Reject(ctx context.Context, requestID, approverID, reason string) (KeyRequest, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return KeyRequest{}, E(KindNotFound, "request not found")
	}
	if req.Status != RequestPending {
		s.mu.Unlock()
		return KeyRequest{}, E(KindIllegalTransition, fmt.Sprintf("only PENDING requests can be rejected (current: %s)", req.Status))
	}
	req.Status = RequestRejected
	req.ApprovedBy = approverID
	req.Reason = reason
	out := *req
	s.mu.Unlock()

	s.audit(ctx, "custody.request.reject", map[string]any{"request_id": requestID, "approver": approverID})
	msg := fmt.Sprintf("Your key request %s has been rejected.", requestID)
	if reason != "" {
		msg += " Reason: " + reason
	}
	s.send(ctx, notify.Notification{
		UserID:  out.RequestedBy,
		Title:   "Key request rejected",
		Message: msg,
		Channel: notify.ChannelEmail,
	})
	return out, nil
}

func (s *InMemory) ListRequests(ctx context.Context, f RequestFilter) ([]KeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []KeyRequest
	for _, r := range s.requests {
		if f.RequesterID != "" && r.RequestedBy != f.RequesterID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		res = append(res, *r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// --- OTP challenge manager ------------------------------------------------

func (s *InMemory) SendOTP(ctx context.Context, requestID, actorID string) (KeyRequest, error) {
	code, err := s.genCode()
	if err != nil {
		return KeyRequest{}, Wrap(KindInternal, "otp generation failed", err)
	}

	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return KeyRequest{}, E(KindNotFound, "request not found")
	}
	if req.Status != RequestApproved && req.Status != RequestOTPSent {
		s.mu.Unlock()
		return KeyRequest{}, E(KindIllegalTransition, fmt.Sprintf("OTP allowed only for APPROVED/OTP_SENT requests (current: %s)", req.Status))
	}
	// A resend overwrites the hash, invalidating the prior code.
	expires := s.now().Add(s.otp.TTL)
	req.OTPHash = s.otp.HashOTP(code)
	req.OTPExpiresAt = &expires
	req.OTPVerifiedAt = nil
	req.OTPAttempts = 0
	req.Status = RequestOTPSent
	out := *req
	out.OTPHash = "" // the stored form never leaves the service
	s.mu.Unlock()

	s.audit(ctx, "custody.otp.send", map[string]any{"request_id": requestID, "actor": actorID})
	// The plaintext code travels only through the notification sink.
	s.send(ctx, notify.Notification{
		UserID:  out.RequestedBy,
		Title:   "OTP for key request",
		Message: fmt.Sprintf("Your OTP for request %s is: %s (valid %d minutes)", requestID, code, int(s.otp.TTL.Minutes())),
		Channel: notify.ChannelEmail,
	})
	return out, nil
}

func (s *InMemory) VerifyOTP(ctx context.Context, requestID, code, actorID string) (KeyRequest, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return KeyRequest{}, E(KindNotFound, "request not found")
	}
	if req.Status != RequestOTPSent {
		s.mu.Unlock()
		return KeyRequest{}, E(KindIllegalTransition, fmt.Sprintf("request is not awaiting OTP verification (current: %s)", req.Status))
	}
	if req.OTPExpiresAt == nil || s.now().After(*req.OTPExpiresAt) {
		s.mu.Unlock()
		return KeyRequest{}, E(KindExpired, "OTP expired, request a new code")
	}
	if req.OTPAttempts >= s.otp.MaxAttempts {
		s.mu.Unlock()
		return KeyRequest{}, E(KindTooManyAttempts, "attempt limit reached, request a new code")
	}
	if !s.otp.MatchOTP(req.OTPHash, code) {
		req.OTPAttempts++
		s.mu.Unlock()
		return KeyRequest{}, E(KindInvalidCode, "incorrect code")
	}
	verified := s.now()
	req.Status = RequestOTPVerified
	req.OTPVerifiedAt = &verified
	out := *req
	s.mu.Unlock()

	s.audit(ctx, "custody.otp.verify", map[string]any{"request_id": requestID, "actor": actorID})
	return out, nil
}

// --- Transaction ledger ---------------------------------------------------

func (s *InMemory) Issue(ctx context.Context, p IssueParams) (Transaction, error) {
	if p.KeyID == "" || p.BearerID == "" || p.IssuerID == "" {
		return Transaction{}, E(KindInvalidArgument, "key_id, bearer_id and issuer are required")
	}
	if !ValidAccessMethod(p.AccessMethod) {
		return Transaction{}, E(KindInvalidArgument, "access_method must be one of OTP, QR, RFID")
	}
	if p.RequestID == "" {
		return Transaction{}, E(KindInvalidArgument, "request_id is required")
	}

	bearer, err := s.dir.User(ctx, p.BearerID)
	if err != nil || !bearer.Active {
		return Transaction{}, E(KindInvalidReference, "bearer is unknown or inactive")
	}

	// Advisory pre-check; repeated below once the key lock is held.
	if err := s.checkIssueRequest(p); err != nil {
		return Transaction{}, err
	}

	lock := s.keyLock(p.KeyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if err := s.checkIssueRequestLocked(p); err != nil {
		s.mu.Unlock()
		return Transaction{}, err
	}
	key, ok := s.keys[p.KeyID]
	if !ok {
		s.mu.Unlock()
		return Transaction{}, E(KindNotFound, "key not found")
	}
	if key.Status != KeyAvailable {
		s.mu.Unlock()
		return Transaction{}, E(KindKeyUnavailable, fmt.Sprintf("key is not AVAILABLE (current: %s)", key.Status))
	}
	for _, tx := range s.txs {
		if tx.KeyID == p.KeyID && tx.Open() {
			s.mu.Unlock()
			return Transaction{}, E(KindAlreadyIssued, "an open transaction already exists for this key")
		}
	}

	s.txSeq++
	tx := &Transaction{
		ID:           ids.New(),
		Sequence:     s.txSeq,
		KeyID:        p.KeyID,
		RequestID:    p.RequestID,
		IssuedTo:     p.BearerID,
		IssuedBy:     p.IssuerID,
		AccessMethod: p.AccessMethod,
		Status:       TransactionIssued,
		IssueTime:    s.now(),
	}
	s.txs[tx.ID] = tx
	key.Status = KeyIssued
	s.requests[p.RequestID].Status = RequestIssued
	out := *tx
	keyCopy := *key
	s.mu.Unlock()

	s.audit(ctx, "custody.key.issue", map[string]any{
		"transaction_id": out.ID,
		"key_id":         p.KeyID,
		"request_id":     p.RequestID,
		"issued_to":      p.BearerID,
		"issued_by":      p.IssuerID,
		"access_method":  string(p.AccessMethod),
	})
	s.notifyCustodyChange(ctx, keyCopy, out, "Key issued",
		fmt.Sprintf("Key %s was issued to %s. Transaction %s", keyCopy.Code, bearer.Name, out.ID),
		"Key issued to you",
		fmt.Sprintf("You received key %s. Transaction %s", keyCopy.Code, out.ID))
	return out, nil
}

// checkIssueRequest validates the request outside the key lock.
func (s *InMemory) checkIssueRequest(p IssueParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkIssueRequestLocked(p)
}

func (s *InMemory) checkIssueRequestLocked(p IssueParams) error {
	req, ok := s.requests[p.RequestID]
	if !ok {
		return E(KindNotFound, "request not found")
	}
	if req.KeyID != p.KeyID || req.RequestedBy != p.BearerID {
		return E(KindInvalidArgument, "request does not match key_id / bearer_id")
	}
	if req.Status != RequestOTPVerified {
		return E(KindIllegalTransition, fmt.Sprintf("request is not OTP_VERIFIED (current: %s)", req.Status))
	}
	return nil
}

func (s *InMemory) Return(ctx context.Context, p ReturnParams) (Transaction, error) {
	if (p.TransactionID == "") == (p.KeyID == "") {
		return Transaction{}, E(KindInvalidArgument, "exactly one of transaction_id or key_id is required")
	}

	keyID := p.KeyID
	if p.TransactionID != "" {
		s.mu.Lock()
		tx, ok := s.txs[p.TransactionID]
		if !ok {
			s.mu.Unlock()
			return Transaction{}, E(KindNotFound, "transaction not found")
		}
		keyID = tx.KeyID
		s.mu.Unlock()
	}

	lock := s.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	tx := s.resolveOpenLocked(p.TransactionID, keyID)
	if tx == nil {
		s.mu.Unlock()
		return Transaction{}, E(KindNotFound, "open issued transaction not found")
	}
	if !tx.Open() {
		s.mu.Unlock()
		return Transaction{}, E(KindNotOpen, "transaction is not currently ISSUED/open")
	}
	returned := s.now()
	tx.Status = TransactionReturned
	tx.ReturnTime = &returned
	key := s.keys[tx.KeyID]
	key.Status = KeyAvailable
	out := *tx
	keyCopy := *key
	s.mu.Unlock()

	s.audit(ctx, "custody.key.return", map[string]any{
		"transaction_id": out.ID,
		"key_id":         out.KeyID,
		"actor":          p.ActorID,
	})
	s.notifyCustodyChange(ctx, keyCopy, out, "Key returned",
		fmt.Sprintf("Key %s has been returned. Transaction %s", keyCopy.Code, out.ID),
		"Key return recorded",
		fmt.Sprintf("Return confirmed for key %s. Transaction %s", keyCopy.Code, out.ID))
	return out, nil
}

// resolveOpenLocked finds the return target: the transaction by id, or the
// newest open transaction for the key. Caller holds s.mu.
func (s *InMemory) resolveOpenLocked(txID, keyID string) *Transaction {
	if txID != "" {
		return s.txs[txID]
	}
	var newest *Transaction
	for _, tx := range s.txs {
		if tx.KeyID != keyID || !tx.Open() {
			continue
		}
		if newest == nil || tx.IssueTime.After(newest.IssueTime) {
			newest = tx
		}
	}
	return newest
}

func (s *InMemory) MarkLost(ctx context.Context, transactionID, actorID string) (Transaction, error) {
	s.mu.Lock()
	tx, ok := s.txs[transactionID]
	if !ok {
		s.mu.Unlock()
		return Transaction{}, E(KindNotFound, "transaction not found")
	}
	keyID := tx.KeyID
	s.mu.Unlock()

	lock := s.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	tx = s.txs[transactionID]
	if tx.ReturnTime == nil {
		lost := s.now()
		tx.ReturnTime = &lost
	}
	tx.Status = TransactionLost
	key := s.keys[tx.KeyID]
	key.Status = KeyLost
	out := *tx
	s.mu.Unlock()

	s.audit(ctx, "custody.transaction.lost", map[string]any{
		"transaction_id": transactionID,
		"key_id":         keyID,
		"actor":          actorID,
	})
	return out, nil
}

func (s *InMemory) OpenTransactions(ctx context.Context) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Transaction
	for _, tx := range s.txs {
		if tx.Open() {
			res = append(res, *tx)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].IssueTime.After(res[j].IssueTime) })
	return res, nil
}

func (s *InMemory) Overdue(ctx context.Context, cutoff time.Time) ([]OverdueAlert, error) {
	s.mu.Lock()
	var open []Transaction
	for _, tx := range s.txs {
		if tx.Open() && tx.IssueTime.Before(cutoff) {
			open = append(open, *tx)
		}
	}
	keys := make(map[string]Key, len(open))
	for _, tx := range open {
		if k, ok := s.keys[tx.KeyID]; ok {
			keys[tx.KeyID] = *k
		}
	}
	s.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].IssueTime.Before(open[j].IssueTime) })
	var res []OverdueAlert
	for _, tx := range open {
		key, ok := keys[tx.KeyID]
		if !ok {
			continue
		}
		alert := OverdueAlert{
			TransactionID: tx.ID,
			KeyID:         tx.KeyID,
			KeyCode:       key.Code,
			IssueTime:     tx.IssueTime,
		}
		if unit, err := s.dir.Unit(ctx, key.UnitID); err == nil {
			alert.OwnerID = unit.OwnerID
		}
		res = append(res, alert)
	}
	return res, nil
}

// --- side effects ---------------------------------------------------------

func (s *InMemory) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "audit append failed", "err": err.Error()})
	}
}

func (s *InMemory) send(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "notification failed", "err": err.Error()})
	}
}

// notifyCustodyChange informs the unit owner and the bearer after a custody
// change commits. Lookup or delivery failures never propagate.
func (s *InMemory) notifyCustodyChange(ctx context.Context, key Key, tx Transaction, ownerTitle, ownerMsg, bearerTitle, bearerMsg string) {
	if unit, err := s.dir.Unit(ctx, key.UnitID); err == nil && unit.OwnerID != "" {
		s.send(ctx, notify.Notification{
			UserID:  unit.OwnerID,
			Title:   ownerTitle,
			Message: ownerMsg,
			Channel: notify.ChannelEmail,
		})
	}
	s.send(ctx, notify.Notification{
		UserID:  tx.IssuedTo,
		Title:   bearerTitle,
		Message: bearerMsg,
		Channel: notify.ChannelEmail,
	})
}
