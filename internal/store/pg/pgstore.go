package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"keysafe.org/internal/audit"
	"keysafe.org/internal/custody"
	"keysafe.org/internal/directory"
	"keysafe.org/internal/ids"
	"keysafe.org/internal/notify"
	"keysafe.org/internal/obs"
)

// Store implements the custody service on Postgres. Mutations on a key run
// inside a transaction that locks the key row first and re-checks state under
// the lock, so the open-transaction invariant holds across processes.
type Store struct {
	db       *sql.DB
	dir      directory.Directory
	notifier notify.Notifier
	otp      custody.OTPConfig

	now     func() time.Time
	genCode func() (string, error)
}

var _ custody.Service = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCodeGenerator overrides OTP code generation (useful for tests).
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(s *Store) {
		if fn != nil {
			s.genCode = fn
		}
	}
}

// OpenDB dials Postgres with tuned pool defaults. Lock and statement waits
// are bounded so contention surfaces as BUSY instead of a hung request.
func OpenDB(dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.RuntimeParams["lock_timeout"] == "" {
		cfg.RuntimeParams["lock_timeout"] = "3s"
	}
	if cfg.RuntimeParams["statement_timeout"] == "" {
		cfg.RuntimeParams["statement_timeout"] = "15s"
	}
	db := stdlib.OpenDB(*cfg)
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Open dials Postgres and wraps the pool in a Store. The directory defaults
// to the shared schema's users/units tables.
func Open(dsn string, notifier notify.Notifier, otp custody.OTPConfig, opts ...Option) (*Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return New(db, directory.NewPGDirectory(db), notifier, otp, opts...), nil
}

// New wraps an existing pool. Tests hand in a mock here.
func New(db *sql.DB, dir directory.Directory, notifier notify.Notifier, otp custody.OTPConfig, opts ...Option) *Store {
	s := &Store{
		db:       db,
		dir:      dir,
		notifier: notifier,
		otp:      otp.WithDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		genCode:  custody.GenerateOTP,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- Key registry ---------------------------------------------------------

func (s *Store) RegisterKey(ctx context.Context, p custody.RegisterKeyParams) (custody.Key, error) {
	if p.UnitID == "" || p.Code == "" {
		return custody.Key{}, custody.E(custody.KindInvalidArgument, "unit_id and code are required")
	}
	if !custody.ValidKeyType(p.Type) {
		return custody.Key{}, custody.E(custody.KindInvalidArgument, "type must be one of MAIN, SPARE, EMERGENCY")
	}
	unit, err := s.dir.Unit(ctx, p.UnitID)
	if err != nil || !unit.Active {
		return custody.Key{}, custody.E(custody.KindInvalidReference, "unit is unknown or inactive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.Key{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from keys where code=$1`, p.Code).Scan(&dummy)
	if err == nil {
		return custody.Key{}, custody.E(custody.KindConflict, "key code already exists")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return custody.Key{}, err
	}

	key := custody.Key{
		ID:        ids.New(),
		UnitID:    p.UnitID,
		Code:      p.Code,
		Type:      p.Type,
		LockerRef: p.LockerRef,
		Status:    custody.KeyAvailable,
		CreatedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into keys(id, unit_id, code, type, locker_ref, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, key.ID, key.UnitID, key.Code, key.Type, key.LockerRef, key.Status, key.CreatedAt); err != nil {
		return custody.Key{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.Key{}, err
	}
	return key, nil
}

const keyColumns = `id, unit_id, code, type, coalesce(locker_ref,''), status, created_at`

func scanKey(row *sql.Row) (custody.Key, error) {
	var k custody.Key
	err := row.Scan(&k.ID, &k.UnitID, &k.Code, &k.Type, &k.LockerRef, &k.Status, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.Key{}, custody.E(custody.KindNotFound, "key not found")
	}
	if err != nil {
		return custody.Key{}, err
	}
	return k, nil
}

func (s *Store) GetKey(ctx context.Context, id string) (custody.Key, error) {
	return scanKey(s.db.QueryRowContext(ctx, `select `+keyColumns+` from keys where id=$1`, id))
}

func (s *Store) ListKeys(ctx context.Context, unitID string) ([]custody.Key, error) {
	q := `select ` + keyColumns + ` from keys`
	args := []any{}
	if unitID != "" {
		q += ` where unit_id=$1`
		args = append(args, unitID)
	}
	q += ` order by id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []custody.Key
	for rows.Next() {
		var k custody.Key
		if err := rows.Scan(&k.ID, &k.UnitID, &k.Code, &k.Type, &k.LockerRef, &k.Status, &k.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (s *Store) MarkKeyLost(ctx context.Context, keyID, actorID string) (custody.Key, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.Key{}, err
	}
	defer func() { _ = tx.Rollback() }()

	key, err := lockKey(ctx, tx, keyID)
	if err != nil {
		return custody.Key{}, err
	}
	if _, err := tx.ExecContext(ctx, `update keys set status=$2 where id=$1`, keyID, custody.KeyLost); err != nil {
		return custody.Key{}, err
	}
	// Close any open custody so a later return cannot flip the key back
	// to AVAILABLE.
	if _, err := tx.ExecContext(ctx, `
		update key_transactions set status=$2, return_time=$3
		where key_id=$1 and status=$4 and return_time is null
	`, keyID, custody.TransactionLost, s.now(), custody.TransactionIssued); err != nil {
		return custody.Key{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.Key{}, err
	}
	key.Status = custody.KeyLost

	s.audit(ctx, "custody.key.lost", map[string]any{"key_id": keyID, "actor": actorID})
	return key, nil
}

// lockKey takes the row lock that serializes all custody mutations on a key.
func lockKey(ctx context.Context, tx *sql.Tx, keyID string) (custody.Key, error) {
	k, err := scanKey(tx.QueryRowContext(ctx, `select `+keyColumns+` from keys where id=$1 for update`, keyID))
	if err != nil {
		return custody.Key{}, asBusy(err)
	}
	return k, nil
}

// asBusy translates lock and statement timeouts into a BUSY error so clients
// see a retryable condition. 55P03 is lock_not_available, 57014 is
// query_canceled (fired by statement_timeout).
func asBusy(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "57014") {
		return custody.Wrap(custody.KindBusy, "store is busy, retry the operation", err)
	}
	return err
}

// --- Request ledger -------------------------------------------------------

const requestColumns = `id, key_id, requested_by, coalesce(approved_by,''), status, coalesce(reason,''),
	requested_at, coalesce(otp_hash,''), otp_expires_at, otp_verified_at, otp_attempts`

func scanRequest(row *sql.Row) (custody.KeyRequest, error) {
	var r custody.KeyRequest
	var expires, verified sql.NullTime
	err := row.Scan(&r.ID, &r.KeyID, &r.RequestedBy, &r.ApprovedBy, &r.Status, &r.Reason,
		&r.RequestedAt, &r.OTPHash, &expires, &verified, &r.OTPAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.KeyRequest{}, custody.E(custody.KindNotFound, "request not found")
	}
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if expires.Valid {
		t := expires.Time
		r.OTPExpiresAt = &t
	}
	if verified.Valid {
		t := verified.Time
		r.OTPVerifiedAt = &t
	}
	return r, nil
}

func lockRequest(ctx context.Context, tx *sql.Tx, id string) (custody.KeyRequest, error) {
	r, err := scanRequest(tx.QueryRowContext(ctx, `select `+requestColumns+` from key_requests where id=$1 for update`, id))
	if err != nil {
		return custody.KeyRequest{}, asBusy(err)
	}
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, keyID, requesterID string) (custody.KeyRequest, error) {
	if keyID == "" || requesterID == "" {
		return custody.KeyRequest{}, custody.E(custody.KindInvalidArgument, "key_id and requester are required")
	}
	user, err := s.dir.User(ctx, requesterID)
	if err != nil || !user.Active {
		return custody.KeyRequest{}, custody.E(custody.KindInvalidReference, "requester is unknown or inactive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	key, err := lockKey(ctx, tx, keyID)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if key.Status == custody.KeyLost {
		return custody.KeyRequest{}, custody.E(custody.KindInvalidArgument, "key is marked LOST")
	}

	var dummy int
	err = tx.QueryRowContext(ctx, `
		select 1 from key_requests where key_id=$1 and requested_by=$2 and status=$3
	`, keyID, requesterID, custody.RequestPending).Scan(&dummy)
	if err == nil {
		return custody.KeyRequest{}, custody.E(custody.KindDuplicatePending, "a PENDING request for this key already exists")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return custody.KeyRequest{}, err
	}

	req := custody.KeyRequest{
		ID:          ids.New(),
		KeyID:       keyID,
		RequestedBy: requesterID,
		Status:      custody.RequestPending,
		RequestedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into key_requests(id, key_id, requested_by, status, requested_at, otp_attempts)
		values ($1,$2,$3,$4,$5,0)
	`, req.ID, req.KeyID, req.RequestedBy, req.Status, req.RequestedAt); err != nil {
		return custody.KeyRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.KeyRequest{}, err
	}

	s.audit(ctx, "custody.request.create", map[string]any{"request_id": req.ID, "key_id": keyID})
	return req, nil
}

func (s *Store) Approve(ctx context.Context, requestID, approverID string) (custody.KeyRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if req.Status != custody.RequestPending {
		return custody.KeyRequest{}, custody.E(custody.KindIllegalTransition,
			fmt.Sprintf("only PENDING requests can be approved (current: %s)", req.Status))
	}
	// Availability is re-checked here, not just at request creation.
	key, err := lockKey(ctx, tx, req.KeyID)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if key.Status != custody.KeyAvailable {
		return custody.KeyRequest{}, custody.E(custody.KindKeyUnavailable, "key is not AVAILABLE")
	}

	if _, err := tx.ExecContext(ctx, `
		update key_requests set status=$2, approved_by=$3 where id=$1
	`, requestID, custody.RequestApproved, approverID); err != nil {
		return custody.KeyRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.KeyRequest{}, err
	}
	req.Status = custody.RequestApproved
	req.ApprovedBy = approverID

	s.audit(ctx, "custody.request.approve", map[string]any{"request_id": requestID, "approver": approverID})
	s.send(ctx, notify.Notification{
		UserID:  req.RequestedBy,
		Title:   "Key request approved",
		Message: fmt.Sprintf("Your key request %s has been approved.", requestID),
		Channel: notify.ChannelEmail,
	})
	return req, nil
}

func (s *Store) Reject(ctx context.Context, requestID, approverID, reason string) (custody.KeyRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if req.Status != custody.RequestPending {
		return custody.KeyRequest{}, custody.E(custody.KindIllegalTransition,
			fmt.Sprintf("only PENDING requests can be rejected (current: %s)", req.Status))
	}

	if _, err := tx.ExecContext(ctx, `
		update key_requests set status=$2, approved_by=$3, reason=nullif($4,'') where id=$1
	`, requestID, custody.RequestRejected, approverID, reason); err != nil {
		return custody.KeyRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.KeyRequest{}, err
	}
	req.Status = custody.RequestRejected
	req.ApprovedBy = approverID
	req.Reason = reason

	s.audit(ctx, "custody.request.reject", map[string]any{"request_id": requestID, "approver": approverID})
	msg := fmt.Sprintf("Your key request %s has been rejected.", requestID)
	if reason != "" {
		msg += " Reason: " + reason
	}
	s.send(ctx, notify.Notification{
		UserID:  req.RequestedBy,
		Title:   "Key request rejected",
		Message: msg,
		Channel: notify.ChannelEmail,
	})
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, f custody.RequestFilter) ([]custody.KeyRequest, error) {
	q := `select ` + requestColumns + ` from key_requests`
	var args []any
	var where []string
	if f.RequesterID != "" {
		args = append(args, f.RequesterID)
		where = append(where, fmt.Sprintf("requested_by=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	for i, w := range where {
		if i == 0 {
			q += ` where ` + w
		} else {
			q += ` and ` + w
		}
	}
	q += ` order by id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []custody.KeyRequest
	for rows.Next() {
		var r custody.KeyRequest
		var expires, verified sql.NullTime
		if err := rows.Scan(&r.ID, &r.KeyID, &r.RequestedBy, &r.ApprovedBy, &r.Status, &r.Reason,
			&r.RequestedAt, &r.OTPHash, &expires, &verified, &r.OTPAttempts); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			r.OTPExpiresAt = &t
		}
		if verified.Valid {
			t := verified.Time
			r.OTPVerifiedAt = &t
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// --- OTP challenge manager ------------------------------------------------

func (s *Store) SendOTP(ctx context.Context, requestID, actorID string) (custody.KeyRequest, error) {
	code, err := s.genCode()
	if err != nil {
		return custody.KeyRequest{}, custody.Wrap(custody.KindInternal, "otp generation failed", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if req.Status != custody.RequestApproved && req.Status != custody.RequestOTPSent {
		return custody.KeyRequest{}, custody.E(custody.KindIllegalTransition,
			fmt.Sprintf("OTP allowed only for APPROVED/OTP_SENT requests (current: %s)", req.Status))
	}

	// A resend overwrites the hash, invalidating the prior code.
	expires := s.now().Add(s.otp.TTL)
	if _, err := tx.ExecContext(ctx, `
		update key_requests
		set status=$2, otp_hash=$3, otp_expires_at=$4, otp_verified_at=null, otp_attempts=0
		where id=$1
	`, requestID, custody.RequestOTPSent, s.otp.HashOTP(code), expires); err != nil {
		return custody.KeyRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.KeyRequest{}, err
	}
	req.Status = custody.RequestOTPSent
	req.OTPHash = ""
	req.OTPExpiresAt = &expires
	req.OTPVerifiedAt = nil
	req.OTPAttempts = 0

	s.audit(ctx, "custody.otp.send", map[string]any{"request_id": requestID, "actor": actorID})
	// The plaintext code travels only through the notification sink.
	s.send(ctx, notify.Notification{
		UserID:  req.RequestedBy,
		Title:   "OTP for key request",
		Message: fmt.Sprintf("Your OTP for request %s is: %s (valid %d minutes)", requestID, code, int(s.otp.TTL.Minutes())),
		Channel: notify.ChannelEmail,
	})
	return req, nil
}

func (s *Store) VerifyOTP(ctx context.Context, requestID, code, actorID string) (custody.KeyRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return custody.KeyRequest{}, err
	}
	if req.Status != custody.RequestOTPSent {
		return custody.KeyRequest{}, custody.E(custody.KindIllegalTransition,
			fmt.Sprintf("request is not awaiting OTP verification (current: %s)", req.Status))
	}
	if req.OTPExpiresAt == nil || s.now().After(*req.OTPExpiresAt) {
		return custody.KeyRequest{}, custody.E(custody.KindExpired, "OTP expired, request a new code")
	}
	if req.OTPAttempts >= s.otp.MaxAttempts {
		return custody.KeyRequest{}, custody.E(custody.KindTooManyAttempts, "attempt limit reached, request a new code")
	}
	if !s.otp.MatchOTP(req.OTPHash, code) {
		// The failed attempt must be durable even though the call errors.
		if _, err := tx.ExecContext(ctx, `
			update key_requests set otp_attempts=otp_attempts+1 where id=$1
		`, requestID); err != nil {
			return custody.KeyRequest{}, err
		}
		if err := tx.Commit(); err != nil {
			return custody.KeyRequest{}, err
		}
		return custody.KeyRequest{}, custody.E(custody.KindInvalidCode, "incorrect code")
	}

	verified := s.now()
	if _, err := tx.ExecContext(ctx, `
		update key_requests set status=$2, otp_verified_at=$3 where id=$1
	`, requestID, custody.RequestOTPVerified, verified); err != nil {
		return custody.KeyRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.KeyRequest{}, err
	}
	req.Status = custody.RequestOTPVerified
	req.OTPVerifiedAt = &verified
	req.OTPHash = ""

	s.audit(ctx, "custody.otp.verify", map[string]any{"request_id": requestID, "actor": actorID})
	return req, nil
}

// --- Transaction ledger ---------------------------------------------------

const txColumns = `id, sequence, key_id, coalesce(request_id,''), issued_to, issued_by,
	access_method, status, issue_time, return_time`

func scanTransaction(row *sql.Row) (custody.Transaction, error) {
	var t custody.Transaction
	var ret sql.NullTime
	err := row.Scan(&t.ID, &t.Sequence, &t.KeyID, &t.RequestID, &t.IssuedTo, &t.IssuedBy,
		&t.AccessMethod, &t.Status, &t.IssueTime, &ret)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.Transaction{}, custody.E(custody.KindNotFound, "transaction not found")
	}
	if err != nil {
		return custody.Transaction{}, err
	}
	if ret.Valid {
		rt := ret.Time
		t.ReturnTime = &rt
	}
	return t, nil
}

func (s *Store) Issue(ctx context.Context, p custody.IssueParams) (custody.Transaction, error) {
	if p.KeyID == "" || p.BearerID == "" || p.IssuerID == "" {
		return custody.Transaction{}, custody.E(custody.KindInvalidArgument, "key_id, bearer_id and issuer are required")
	}
	if !custody.ValidAccessMethod(p.AccessMethod) {
		return custody.Transaction{}, custody.E(custody.KindInvalidArgument, "access_method must be one of OTP, QR, RFID")
	}
	if p.RequestID == "" {
		return custody.Transaction{}, custody.E(custody.KindInvalidArgument, "request_id is required")
	}

	bearer, err := s.dir.User(ctx, p.BearerID)
	if err != nil || !bearer.Active {
		return custody.Transaction{}, custody.E(custody.KindInvalidReference, "bearer is unknown or inactive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the key row first: every state check below happens under the lock.
	key, err := lockKey(ctx, tx, p.KeyID)
	if err != nil {
		return custody.Transaction{}, err
	}
	if key.Status != custody.KeyAvailable {
		return custody.Transaction{}, custody.E(custody.KindKeyUnavailable,
			fmt.Sprintf("key is not AVAILABLE (current: %s)", key.Status))
	}
	var dummy int
	err = tx.QueryRowContext(ctx, `
		select 1 from key_transactions where key_id=$1 and status=$2 and return_time is null
	`, p.KeyID, custody.TransactionIssued).Scan(&dummy)
	if err == nil {
		return custody.Transaction{}, custody.E(custody.KindAlreadyIssued, "an open transaction already exists for this key")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return custody.Transaction{}, err
	}

	req, err := lockRequest(ctx, tx, p.RequestID)
	if err != nil {
		return custody.Transaction{}, err
	}
	if req.KeyID != p.KeyID || req.RequestedBy != p.BearerID {
		return custody.Transaction{}, custody.E(custody.KindInvalidArgument, "request does not match key_id / bearer_id")
	}
	if req.Status != custody.RequestOTPVerified {
		return custody.Transaction{}, custody.E(custody.KindIllegalTransition,
			fmt.Sprintf("request is not OTP_VERIFIED (current: %s)", req.Status))
	}

	out := custody.Transaction{
		ID:           ids.New(),
		KeyID:        p.KeyID,
		RequestID:    p.RequestID,
		IssuedTo:     p.BearerID,
		IssuedBy:     p.IssuerID,
		AccessMethod: p.AccessMethod,
		Status:       custody.TransactionIssued,
		IssueTime:    s.now(),
	}
	if err := tx.QueryRowContext(ctx, `
		insert into key_transactions(id, key_id, request_id, issued_to, issued_by, access_method, status, issue_time)
		values ($1,$2,$3,$4,$5,$6,$7,$8) returning sequence
	`, out.ID, out.KeyID, out.RequestID, out.IssuedTo, out.IssuedBy, out.AccessMethod, out.Status, out.IssueTime).Scan(&out.Sequence); err != nil {
		return custody.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `update keys set status=$2 where id=$1`, p.KeyID, custody.KeyIssued); err != nil {
		return custody.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `update key_requests set status=$2 where id=$1`, p.RequestID, custody.RequestIssued); err != nil {
		return custody.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.Transaction{}, err
	}

	s.audit(ctx, "custody.key.issue", map[string]any{
		"transaction_id": out.ID,
		"key_id":         p.KeyID,
		"request_id":     p.RequestID,
		"issued_to":      p.BearerID,
		"issued_by":      p.IssuerID,
		"access_method":  string(p.AccessMethod),
	})
	s.notifyCustodyChange(ctx, key, out, "Key issued",
		fmt.Sprintf("Key %s was issued to %s. Transaction %s", key.Code, bearer.Name, out.ID),
		"Key issued to you",
		fmt.Sprintf("You received key %s. Transaction %s", key.Code, out.ID))
	return out, nil
}

func (s *Store) Return(ctx context.Context, p custody.ReturnParams) (custody.Transaction, error) {
	if (p.TransactionID == "") == (p.KeyID == "") {
		return custody.Transaction{}, custody.E(custody.KindInvalidArgument, "exactly one of transaction_id or key_id is required")
	}

	keyID := p.KeyID
	if p.TransactionID != "" {
		err := s.db.QueryRowContext(ctx, `select key_id from key_transactions where id=$1`, p.TransactionID).Scan(&keyID)
		if errors.Is(err, sql.ErrNoRows) {
			return custody.Transaction{}, custody.E(custody.KindNotFound, "transaction not found")
		}
		if err != nil {
			return custody.Transaction{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	key, err := lockKey(ctx, tx, keyID)
	if err != nil {
		return custody.Transaction{}, err
	}

	var target custody.Transaction
	if p.TransactionID != "" {
		target, err = scanTransaction(tx.QueryRowContext(ctx,
			`select `+txColumns+` from key_transactions where id=$1 for update`, p.TransactionID))
		if err != nil {
			return custody.Transaction{}, err
		}
		if !target.Open() {
			return custody.Transaction{}, custody.E(custody.KindNotOpen, "transaction is not currently ISSUED/open")
		}
	} else {
		target, err = scanTransaction(tx.QueryRowContext(ctx, `
			select `+txColumns+` from key_transactions
			where key_id=$1 and status=$2 and return_time is null
			order by issue_time desc limit 1 for update
		`, keyID, custody.TransactionIssued))
		if custody.KindOf(err) == custody.KindNotFound {
			return custody.Transaction{}, custody.E(custody.KindNotFound, "open issued transaction not found")
		}
		if err != nil {
			return custody.Transaction{}, err
		}
	}

	returned := s.now()
	if _, err := tx.ExecContext(ctx, `
		update key_transactions set status=$2, return_time=$3 where id=$1
	`, target.ID, custody.TransactionReturned, returned); err != nil {
		return custody.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `update keys set status=$2 where id=$1`, keyID, custody.KeyAvailable); err != nil {
		return custody.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.Transaction{}, err
	}
	target.Status = custody.TransactionReturned
	target.ReturnTime = &returned
	key.Status = custody.KeyAvailable

	s.audit(ctx, "custody.key.return", map[string]any{
		"transaction_id": target.ID,
		"key_id":         target.KeyID,
		"actor":          p.ActorID,
	})
	s.notifyCustodyChange(ctx, key, target, "Key returned",
		fmt.Sprintf("Key %s has been returned. Transaction %s", key.Code, target.ID),
		"Key return recorded",
		fmt.Sprintf("Return confirmed for key %s. Transaction %s", key.Code, target.ID))
	return target, nil
}

func (s *Store) MarkLost(ctx context.Context, transactionID, actorID string) (custody.Transaction, error) {
	var keyID string
	err := s.db.QueryRowContext(ctx, `select key_id from key_transactions where id=$1`, transactionID).Scan(&keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.Transaction{}, custody.E(custody.KindNotFound, "transaction not found")
	}
	if err != nil {
		return custody.Transaction{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return custody.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockKey(ctx, tx, keyID); err != nil {
		return custody.Transaction{}, err
	}
	target, err := scanTransaction(tx.QueryRowContext(ctx,
		`select `+txColumns+` from key_transactions where id=$1 for update`, transactionID))
	if err != nil {
		return custody.Transaction{}, err
	}

	lost := s.now()
	ret := target.ReturnTime
	if ret == nil {
		ret = &lost
	}
	if _, err := tx.ExecContext(ctx, `
		update key_transactions set status=$2, return_time=$3 where id=$1
	`, transactionID, custody.TransactionLost, *ret); err != nil {
		return custody.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `update keys set status=$2 where id=$1`, keyID, custody.KeyLost); err != nil {
		return custody.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return custody.Transaction{}, err
	}
	target.Status = custody.TransactionLost
	target.ReturnTime = ret

	s.audit(ctx, "custody.transaction.lost", map[string]any{
		"transaction_id": transactionID,
		"key_id":         keyID,
		"actor":          actorID,
	})
	return target, nil
}

func (s *Store) OpenTransactions(ctx context.Context) ([]custody.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+txColumns+` from key_transactions
		where status=$1 and return_time is null
		order by issue_time desc
	`, custody.TransactionIssued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []custody.Transaction
	for rows.Next() {
		var t custody.Transaction
		var ret sql.NullTime
		if err := rows.Scan(&t.ID, &t.Sequence, &t.KeyID, &t.RequestID, &t.IssuedTo, &t.IssuedBy,
			&t.AccessMethod, &t.Status, &t.IssueTime, &ret); err != nil {
			return nil, err
		}
		if ret.Valid {
			rt := ret.Time
			t.ReturnTime = &rt
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Store) Overdue(ctx context.Context, cutoff time.Time) ([]custody.OverdueAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.key_id, k.code, coalesce(u.owner_id,''), t.issue_time
		from key_transactions t
		join keys k on k.id = t.key_id
		left join units u on u.id = k.unit_id
		where t.status=$1 and t.return_time is null and t.issue_time < $2
		order by t.issue_time asc
	`, custody.TransactionIssued, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []custody.OverdueAlert
	for rows.Next() {
		var a custody.OverdueAlert
		if err := rows.Scan(&a.TransactionID, &a.KeyID, &a.KeyCode, &a.OwnerID, &a.IssueTime); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- side effects ---------------------------------------------------------

func (s *Store) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "audit append failed", "err": err.Error()})
	}
}

func (s *Store) send(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		obs.LogEvent(map[string]any{"level": "error", "msg": "notification failed", "err": err.Error()})
	}
}

func (s *Store) notifyCustodyChange(ctx context.Context, key custody.Key, tx custody.Transaction, ownerTitle, ownerMsg, bearerTitle, bearerMsg string) {
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
