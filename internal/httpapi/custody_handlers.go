package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"keysafe.org/internal/auth"
	"keysafe.org/internal/custody"
	"keysafe.org/internal/events"
	"keysafe.org/internal/obs"
)

type registerKeyRequest struct {
	UnitID    string `json:"unit_id"`
	Code      string `json:"code"`
	Type      string `json:"type"`
	LockerRef string `json:"locker_ref"`
}

type createRequestRequest struct {
	KeyID       string `json:"key_id"`
	RequesterID string `json:"requester_id"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type verifyOTPRequest struct {
	Code string `json:"code"`
}

type issueRequest struct {
	KeyID        string `json:"key_id"`
	BearerID     string `json:"bearer_id"`
	IssuerID     string `json:"issuer_id"`
	AccessMethod string `json:"access_method"`
	RequestID    string `json:"request_id"`
}

type returnRequest struct {
	TransactionID string `json:"transaction_id"`
	KeyID         string `json:"key_id"`
}

func (a *API) handleKeysCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerKey(w, r)
	case http.MethodGet:
		a.listKeys(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleKeyResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/keys/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/lost"); ok {
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.markKeyLost(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getKey(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) registerKey(w http.ResponseWriter, r *http.Request) {
	if !a.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var req registerKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	key, err := a.svc.RegisterKey(r.Context(), custody.RegisterKeyParams{
		UnitID:    strings.TrimSpace(req.UnitID),
		Code:      strings.TrimSpace(req.Code),
		Type:      custody.KeyType(strings.ToUpper(strings.TrimSpace(req.Type))),
		LockerRef: strings.TrimSpace(req.LockerRef),
	})
	if err != nil {
		a.handleCustodyError(w, r, "register_key", err)
		return
	}

	w.Header().Set("Location", "/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, key)
}

func (a *API) getKey(w http.ResponseWriter, r *http.Request, id string) {
	key, err := a.svc.GetKey(r.Context(), id)
	if err != nil {
		a.handleCustodyError(w, r, "get_key", err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (a *API) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.svc.ListKeys(r.Context(), strings.TrimSpace(r.URL.Query().Get("unit_id")))
	if err != nil {
		a.handleCustodyError(w, r, "list_keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": keys})
}

func (a *API) markKeyLost(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, auth.RoleAdmin, auth.RoleSecurity) {
		return
	}
	key, err := a.svc.MarkKeyLost(r.Context(), id, a.actorID(r))
	if err != nil {
		a.handleCustodyError(w, r, "mark_key_lost", err)
		return
	}
	a.publish(events.Event{Type: events.TypeKeyLost, KeyID: key.ID, KeyCode: key.Code})
	writeJSON(w, http.StatusOK, key)
}

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRequest(w, r)
	case http.MethodGet:
		a.listRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleRequestResource routes /v1/requests/{id}/(approve|reject|otp|otp/verify).
func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	id, action, ok := strings.Cut(path, "/")
	if !ok || id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "approve":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.approveRequest(w, r, id)
	case "reject":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.rejectRequest(w, r, id)
	case "otp":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.sendOTP(w, r, id)
	case "otp/verify":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.verifyOTP(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Requests are filed for the authenticated user; admins may file on
	// behalf of someone else.
	requester := a.actorID(r)
	if req.RequesterID != "" && req.RequesterID != requester {
		if requester != "" && !auth.HasRole(r.Context(), auth.RoleAdmin) {
			writeError(w, r, http.StatusForbidden, "cannot request a key for another user")
			return
		}
		requester = strings.TrimSpace(req.RequesterID)
	}

	out, err := a.svc.CreateRequest(r.Context(), strings.TrimSpace(req.KeyID), requester)
	if err != nil {
		a.handleCustodyError(w, r, "create_request", err)
		return
	}
	w.Header().Set("Location", "/v1/requests/"+out.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	f := custody.RequestFilter{
		RequesterID: strings.TrimSpace(r.URL.Query().Get("requester_id")),
		Status:      custody.RequestStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
	}
	// Non-admins only see their own requests.
	if actor := a.actorID(r); actor != "" && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		f.RequesterID = actor
	}
	items, err := a.svc.ListRequests(r.Context(), f)
	if err != nil {
		a.handleCustodyError(w, r, "list_requests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) approveRequest(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	out, err := a.svc.Approve(r.Context(), id, a.actorID(r))
	if err != nil {
		a.handleCustodyError(w, r, "approve_request", err)
		return
	}
	a.publish(events.Event{Type: events.TypeRequestApproved, KeyID: out.KeyID, RequestID: out.ID, UserID: out.RequestedBy})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) rejectRequest(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.Reject(r.Context(), id, a.actorID(r), strings.TrimSpace(req.Reason))
	if err != nil {
		a.handleCustodyError(w, r, "reject_request", err)
		return
	}
	a.publish(events.Event{Type: events.TypeRequestRejected, KeyID: out.KeyID, RequestID: out.ID, UserID: out.RequestedBy})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) sendOTP(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, auth.RoleAdmin, auth.RoleSecurity) {
		return
	}
	out, err := a.svc.SendOTP(r.Context(), id, a.actorID(r))
	if err != nil {
		a.handleCustodyError(w, r, "send_otp", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request, id string) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	out, err := a.svc.VerifyOTP(r.Context(), id, strings.TrimSpace(req.Code), a.actorID(r))
	if err != nil {
		a.handleCustodyError(w, r, "verify_otp", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, auth.RoleAdmin, auth.RoleSecurity) {
		return
	}
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issuer := a.actorID(r)
	if issuer == "" {
		issuer = strings.TrimSpace(req.IssuerID)
	}

	tx, err := a.svc.Issue(r.Context(), custody.IssueParams{
		KeyID:        strings.TrimSpace(req.KeyID),
		BearerID:     strings.TrimSpace(req.BearerID),
		IssuerID:     issuer,
		AccessMethod: custody.AccessMethod(strings.ToUpper(strings.TrimSpace(req.AccessMethod))),
		RequestID:    strings.TrimSpace(req.RequestID),
	})
	if err != nil {
		a.handleCustodyError(w, r, "issue", err)
		return
	}

	obs.KeysIssuedTotal.Inc()
	a.publish(events.Event{Type: events.TypeKeyIssued, KeyID: tx.KeyID, TransactionID: tx.ID, RequestID: tx.RequestID, UserID: tx.IssuedTo})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, auth.RoleAdmin, auth.RoleSecurity) {
		return
	}
	var req returnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := a.svc.Return(r.Context(), custody.ReturnParams{
		TransactionID: strings.TrimSpace(req.TransactionID),
		KeyID:         strings.TrimSpace(req.KeyID),
		ActorID:       a.actorID(r),
	})
	if err != nil {
		a.handleCustodyError(w, r, "return", err)
		return
	}

	obs.KeysReturnedTotal.Inc()
	a.publish(events.Event{Type: events.TypeKeyReturned, KeyID: tx.KeyID, TransactionID: tx.ID, UserID: tx.IssuedTo})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleOpenTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.svc.OpenTransactions(r.Context())
	if err != nil {
		a.handleCustodyError(w, r, "open_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleTransactionResource routes /v1/transactions/{id}/lost.
func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	id, ok := strings.CutSuffix(path, "/lost")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	if !a.requireRole(w, r, auth.RoleAdmin, auth.RoleSecurity) {
		return
	}

	tx, err := a.svc.MarkLost(r.Context(), id, a.actorID(r))
	if err != nil {
		a.handleCustodyError(w, r, "mark_lost", err)
		return
	}
	a.publish(events.Event{Type: events.TypeKeyLost, KeyID: tx.KeyID, TransactionID: tx.ID, UserID: tx.IssuedTo})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) publish(evt events.Event) {
	if a.bus != nil {
		a.bus.Publish(evt)
	}
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleCustodyError translates error kinds into HTTP statuses. Conflict-family
// kinds also bump the conflict counter for the given operation.
func (a *API) handleCustodyError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := custody.KindOf(err)
	w.Header().Set("X-Error-Kind", string(kind))
	switch kind {
	case custody.KindInvalidArgument:
		writeError(w, r, http.StatusBadRequest, err.Error())
	case custody.KindNotFound:
		writeError(w, r, http.StatusNotFound, err.Error())
	case custody.KindInvalidReference:
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case custody.KindIllegalTransition, custody.KindConflict, custody.KindKeyUnavailable,
		custody.KindAlreadyIssued, custody.KindNotOpen, custody.KindDuplicatePending:
		obs.CustodyConflictsTotal.WithLabelValues(op).Inc()
		writeError(w, r, http.StatusConflict, err.Error())
	case custody.KindExpired:
		writeError(w, r, http.StatusGone, err.Error())
	case custody.KindInvalidCode:
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case custody.KindTooManyAttempts:
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case custody.KindBusy:
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		obs.LogEvent(map[string]any{"level": "error", "msg": "custody operation failed", "op": op, "err": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
