package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keysafe.org/internal/auth"
	"keysafe.org/internal/custody"
	"keysafe.org/internal/directory"
	"keysafe.org/internal/events"
	"keysafe.org/internal/notify"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) (*apiClient, *notify.Memory) {
	t.Helper()

	t.Setenv("KEYSAFE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	dir := directory.NewStatic()
	dir.PutUnit(directory.Unit{ID: "unit-1", OrgID: "org-1", Name: "Office 101", OwnerID: "owner-1", Active: true})
	dir.PutUser(directory.User{ID: "owner-1", Name: "Alex Owner", Active: true})
	dir.PutUser(directory.User{ID: "admin-1", Name: "Dana Admin", Active: true})
	dir.PutUser(directory.User{ID: "guard-1", Name: "Sam Guard", Active: true})
	dir.PutUser(directory.User{ID: "tenant-1", Name: "Kim Tenant", Active: true})

	sink := notify.NewMemory()
	svc := custody.NewInMemory(dir, sink, custody.OTPConfig{Secret: []byte("test-otp-secret")},
		custody.WithCodeGenerator(func() (string, error) { return "123456", nil }),
	)

	api := New(ReadyProbe{}, "test", svc, events.NewBus())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}, sink
}

func token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, roles, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + tok
}

func (c *apiClient) do(method, path string, body any, authz string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	c, _ := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.do(http.MethodGet, path, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestCustodyFlowOverHTTP(t *testing.T) {
	c, _ := newTestAPI(t)
	admin := token(t, "admin-1", auth.RoleAdmin)
	guard := token(t, "guard-1", auth.RoleSecurity)
	tenant := token(t, "tenant-1")

	// Register a key.
	resp := c.do(http.MethodPost, "/v1/keys", map[string]any{
		"unit_id": "unit-1", "code": "K-1", "type": "main", "locker_ref": "L-07",
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register key returned %d", resp.StatusCode)
	}
	var key custody.Key
	decodeBody(t, resp, &key)

	// Tenant files a request for themselves.
	resp = c.do(http.MethodPost, "/v1/requests", map[string]any{"key_id": key.ID}, tenant)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request returned %d", resp.StatusCode)
	}
	var req custody.KeyRequest
	decodeBody(t, resp, &req)
	if req.RequestedBy != "tenant-1" {
		t.Fatalf("requester taken from token, got %q", req.RequestedBy)
	}

	// Approve, send and verify the OTP.
	resp = c.do(http.MethodPatch, "/v1/requests/"+req.ID+"/approve", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve returned %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/requests/"+req.ID+"/otp", nil, guard)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send otp returned %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/requests/"+req.ID+"/otp/verify", map[string]any{"code": "123456"}, tenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify otp returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Issue against the verified request.
	resp = c.do(http.MethodPost, "/v1/issue", map[string]any{
		"key_id": key.ID, "bearer_id": "tenant-1", "access_method": "OTP", "request_id": req.ID,
	}, guard)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue returned %d", resp.StatusCode)
	}
	var tx custody.Transaction
	decodeBody(t, resp, &tx)
	if tx.IssuedBy != "guard-1" {
		t.Fatalf("issuer taken from token, got %q", tx.IssuedBy)
	}

	// The key now shows as issued and the transaction as open.
	resp = c.do(http.MethodGet, "/v1/keys/"+key.ID, nil, tenant)
	var gotKey custody.Key
	decodeBody(t, resp, &gotKey)
	if gotKey.Status != custody.KeyIssued {
		t.Fatalf("key status = %s, want ISSUED", gotKey.Status)
	}
	resp = c.do(http.MethodGet, "/v1/transactions/open", nil, guard)
	var open struct {
		Items []custody.Transaction `json:"items"`
	}
	decodeBody(t, resp, &open)
	if len(open.Items) != 1 || open.Items[0].ID != tx.ID {
		t.Fatalf("unexpected open transactions: %+v", open.Items)
	}

	// Return by key id.
	resp = c.do(http.MethodPost, "/v1/return", map[string]any{"key_id": key.ID}, guard)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return returned %d", resp.StatusCode)
	}
	var ret custody.Transaction
	decodeBody(t, resp, &ret)
	if ret.Status != custody.TransactionReturned {
		t.Fatalf("unexpected returned transaction: %+v", ret)
	}
}

func TestAuthIsEnforced(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/keys", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/keys", nil, "Bearer garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token returned %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// A tenant may not register keys.
	tenant := token(t, "tenant-1")
	resp = c.do(http.MethodPost, "/v1/keys", map[string]any{
		"unit_id": "unit-1", "code": "K-2", "type": "MAIN",
	}, tenant)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tenant key registration returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Nor file requests for someone else.
	resp = c.do(http.MethodPost, "/v1/requests", map[string]any{
		"key_id": "whatever", "requester_id": "owner-1",
	}, tenant)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-user request returned %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestErrorKindMapping(t *testing.T) {
	c, _ := newTestAPI(t)
	admin := token(t, "admin-1", auth.RoleAdmin)

	// Unknown key: 404.
	resp := c.do(http.MethodGet, "/v1/keys/missing", nil, admin)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing key returned %d, want 404", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Error-Kind"); got != string(custody.KindNotFound) {
		t.Fatalf("X-Error-Kind = %q", got)
	}
	resp.Body.Close()

	// Duplicate key code: 409 CONFLICT.
	resp = c.do(http.MethodPost, "/v1/keys", map[string]any{"unit_id": "unit-1", "code": "K-1", "type": "MAIN"}, admin)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/keys", map[string]any{"unit_id": "unit-1", "code": "K-1", "type": "SPARE"}, admin)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate code returned %d, want 409", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Error-Kind"); got != string(custody.KindConflict) {
		t.Fatalf("X-Error-Kind = %q", got)
	}
	resp.Body.Close()

	// Unknown unit: 422 INVALID_REFERENCE.
	resp = c.do(http.MethodPost, "/v1/keys", map[string]any{"unit_id": "nope", "code": "K-9", "type": "MAIN"}, admin)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown unit returned %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()

	// Bad body: 400.
	resp = c.do(http.MethodPost, "/v1/keys", map[string]any{"unit_id": "unit-1", "code": "K-10", "type": "HUGE"}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid type returned %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOTPMistakesOverHTTP(t *testing.T) {
	c, sink := newTestAPI(t)
	admin := token(t, "admin-1", auth.RoleAdmin)
	guard := token(t, "guard-1", auth.RoleSecurity)
	tenant := token(t, "tenant-1")

	resp := c.do(http.MethodPost, "/v1/keys", map[string]any{"unit_id": "unit-1", "code": "K-1", "type": "MAIN"}, admin)
	var key custody.Key
	decodeBody(t, resp, &key)
	resp = c.do(http.MethodPost, "/v1/requests", map[string]any{"key_id": key.ID}, tenant)
	var req custody.KeyRequest
	decodeBody(t, resp, &req)
	resp = c.do(http.MethodPatch, "/v1/requests/"+req.ID+"/approve", nil, admin)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/requests/"+req.ID+"/otp", nil, guard)
	resp.Body.Close()

	// The code reached the requester out of band.
	var delivered bool
	for _, n := range sink.Sent() {
		if n.UserID == "tenant-1" && n.Title == "OTP for key request" {
			delivered = true
		}
	}
	if !delivered {
		t.Fatalf("OTP notification missing")
	}

	// Wrong code: 401 INVALID_CODE.
	resp = c.do(http.MethodPost, "/v1/requests/"+req.ID+"/otp/verify", map[string]any{"code": "000000"}, tenant)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong code returned %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Error-Kind"); got != string(custody.KindInvalidCode) {
		t.Fatalf("X-Error-Kind = %q", got)
	}
	resp.Body.Close()

	// Issuing before verification: 409 ILLEGAL_TRANSITION.
	resp = c.do(http.MethodPost, "/v1/issue", map[string]any{
		"key_id": key.ID, "bearer_id": "tenant-1", "access_method": "OTP", "request_id": req.ID,
	}, guard)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("premature issue returned %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}
