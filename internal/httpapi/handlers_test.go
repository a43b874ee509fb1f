package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"corpportal.org/internal/audit"
	"corpportal.org/internal/auth"
	"corpportal.org/internal/store/memory"
	"corpportal.org/internal/stream"
)

const (
	testSecret     = "0123456789abcdef0123456789abcdef"
	testTOTPSecret = "JBSWY3DPEHPK3PXP"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	dir     *memory.Directory
	ring    *audit.Ring
	hub     *stream.Hub
}

type apiOptions struct {
	ready   ReadinessChecker
	dir     auth.UserDirectory
	proxies []netip.Prefix
}

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIWith(t, apiOptions{})
}

func newTestAPIWith(t *testing.T, o apiOptions) *apiClient {
	t.Helper()

	mem := memory.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	mem.Put(auth.UserRecord{
		SubjectID: "admin-1", Email: "admin@corp.example", DisplayName: "Admin",
		Department: "IT", Roles: []string{"Admin"}, Active: true, PasswordHash: string(hash),
	})
	mem.Put(auth.UserRecord{
		SubjectID: "agent-1", Email: "agent@corp.example", DisplayName: "Agent",
		Department: "Call Center", Roles: []string{"basic user"}, Active: true, PasswordHash: string(hash),
	})
	mem.Put(auth.UserRecord{
		SubjectID: "hr-1", Email: "hr@corp.example", Roles: []string{"HR"}, Active: true,
		PasswordHash: string(hash), TwoFactorEnabled: true, TwoFactorSecret: testTOTPSecret,
	}, "ABCDE-FGHJK")

	var dir auth.UserDirectory = mem
	if o.dir != nil {
		dir = o.dir
	}

	ring := audit.NewRing(64)
	hub := stream.New(8)
	issuer, err := auth.NewSessionIssuer([]byte(testSecret))
	if err != nil {
		t.Fatalf("session issuer: %v", err)
	}
	svc, err := auth.NewService(dir,
		auth.WithSessionIssuer(issuer),
		auth.WithAuditSink(audit.FanOut{ring, hub}),
		auth.WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	opts := []Option{WithVersion("test"), WithEventReader(ring), WithEventFeed(hub), WithRateLimit(100, 100)}
	if o.ready != nil {
		opts = append(opts, WithReadiness(o.ready))
	}
	if o.proxies != nil {
		opts = append(opts, WithTrustedProxies(o.proxies))
	}
	api, err := New(svc, opts...)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		dir:     mem,
		ring:    ring,
		hub:     hub,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) login(email, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	payload := decode[loginResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPILoginSessionFlow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", map[string]any{
		"email":    "Admin@Corp.Example",
		"password": "s3cret",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("unexpected cache-control: %q", resp.Header.Get("Cache-Control"))
	}
	login := decode[loginResponse](t, resp)
	if login.Identity.SubjectID != "admin-1" {
		t.Fatalf("unexpected subject: %s", login.Identity.SubjectID)
	}
	if !contains(login.Permissions, "admin.access") {
		t.Fatalf("admin lacks admin.access: %v", login.Permissions)
	}
	if time.Until(login.ExpiresAt) < 29*24*time.Hour {
		t.Fatalf("unexpected expiry: %s", login.ExpiresAt)
	}

	resp = api.get("/v1/auth/session", nil, bearerHeader(login.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected session status: %d", resp.StatusCode)
	}
	session := decode[sessionResponse](t, resp)
	if session.Identity.Email != "admin@corp.example" {
		t.Fatalf("unexpected email: %s", session.Identity.Email)
	}
	if len(session.Identity.Roles) != 1 || session.Identity.Roles[0] != auth.RoleSystemAdministrator {
		t.Fatalf("unexpected roles: %v", session.Identity.Roles)
	}

	resp = api.get("/v1/auth/permissions/check", url.Values{"permission": {"admin.access"}}, bearerHeader(login.Token))
	check := decode[permissionCheckResponse](t, resp)
	if !check.Granted {
		t.Fatal("expected admin.access to be granted")
	}

	resp = api.get("/v1/auth/permissions/me", nil, bearerHeader(login.Token))
	me := decode[map[string]any](t, resp)
	if me["subject_id"] != "admin-1" {
		t.Fatalf("unexpected subject: %v", me["subject_id"])
	}
}

func TestAPIDepartmentGrant(t *testing.T) {
	api := newTestAPI(t)
	token := api.login("agent@corp.example", "s3cret")

	for perm, want := range map[string]bool{
		"callcenter.access": true,
		"admin.access":      false,
		"dashboard.view":    true,
	} {
		resp := api.get("/v1/auth/permissions/check", url.Values{"permission": {perm}}, bearerHeader(token))
		check := decode[permissionCheckResponse](t, resp)
		if check.Granted != want {
			t.Fatalf("permission %s: granted=%v want %v", perm, check.Granted, want)
		}
	}
}

func TestAPILoginDenialsAreUniform(t *testing.T) {
	api := newTestAPI(t)

	var bodies []string
	for _, creds := range []map[string]any{
		{"email": "admin@corp.example", "password": "wrong"},
		{"email": "nobody@corp.example", "password": "s3cret"},
		{"email": "", "password": ""},
	} {
		resp := api.post("/v1/auth/login", creds, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		body := decode[map[string]any](t, resp)
		bodies = append(bodies, body["error"].(string))
	}
	for _, b := range bodies {
		if b != "invalid credentials" {
			t.Fatalf("denial leaked detail: %q", b)
		}
	}
}

func TestAPILockoutAfterThreshold(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < auth.DefaultFailureThreshold; i++ {
		resp := api.post("/v1/auth/login", map[string]any{"email": "admin@corp.example", "password": "wrong"}, nil)
		resp.Body.Close()
	}
	resp := api.post("/v1/auth/login", map[string]any{"email": "admin@corp.example", "password": "s3cret"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected locked login to be denied, got %d", resp.StatusCode)
	}

	kinds, _ := api.ring.Recent(context.Background(), "", 1)
	if len(kinds) != 1 || kinds[0].Kind != auth.EventBruteForceLocked {
		t.Fatalf("expected BRUTE_FORCE_LOCKED, got %+v", kinds)
	}
}

func TestAPILockoutIgnoresSpoofedForwardedFor(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < 4*auth.DefaultFailureThreshold; i++ {
		resp := api.post("/v1/auth/login",
			map[string]any{"email": "admin@corp.example", "password": "wrong"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)})
		resp.Body.Close()
	}
	resp := api.post("/v1/auth/login",
		map[string]any{"email": "admin@corp.example", "password": "s3cret"},
		map[string]string{"X-Forwarded-For": "198.51.100.200"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("rotating X-Forwarded-For must not dodge the lockout, got %d", resp.StatusCode)
	}

	events, _ := api.ring.Recent(context.Background(), "", 1)
	if len(events) != 1 || events[0].Kind != auth.EventBruteForceLocked {
		t.Fatalf("expected BRUTE_FORCE_LOCKED, got %+v", events)
	}
	if addr := events[0].Origin.Address; addr != "127.0.0.1" {
		t.Fatalf("origin should be the peer address, got %q", addr)
	}
}

func TestAPITrustedProxyForwardsClientAddress(t *testing.T) {
	api := newTestAPIWith(t, apiOptions{proxies: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}})

	for i := 0; i < auth.DefaultFailureThreshold; i++ {
		resp := api.post("/v1/auth/login",
			map[string]any{"email": "admin@corp.example", "password": "wrong"},
			map[string]string{"X-Forwarded-For": "203.0.113.9"})
		resp.Body.Close()
	}
	// A different client behind the same proxy is not locked out.
	resp := api.post("/v1/auth/login",
		map[string]any{"email": "admin@corp.example", "password": "s3cret"},
		map[string]string{"X-Forwarded-For": "203.0.113.10"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected login from another client to succeed, got %d", resp.StatusCode)
	}

	events, _ := api.ring.Recent(context.Background(), "admin-1", 1)
	if len(events) != 1 || events[0].Kind != auth.EventLoginSuccess {
		t.Fatalf("expected LOGIN_SUCCESS, got %+v", events)
	}
	if addr := events[0].Origin.Address; addr != "203.0.113.10" {
		t.Fatalf("origin should come from the trusted proxy header, got %q", addr)
	}
}

func TestAPITwoFactor(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", map[string]any{"email": "hr@corp.example", "password": "s3cret"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["two_factor_required"] != true {
		t.Fatalf("expected two_factor_required flag: %v", body)
	}

	code, err := auth.NewTwoFactorVerifier(nil).GenerateCode(testTOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	resp = api.post("/v1/auth/login", map[string]any{"email": "hr@corp.example", "password": "s3cret", "totp_code": code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with totp, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	backup := map[string]any{"email": "hr@corp.example", "password": "s3cret", "backup_code": "abcde-fghjk"}
	resp = api.post("/v1/auth/login", backup, nil)
	login := decode[loginResponse](t, resp)
	if !login.UsedBackupCode {
		t.Fatal("expected used_backup_code")
	}
	resp = api.post("/v1/auth/login", backup, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("backup code reused: %d", resp.StatusCode)
	}
	if n := api.dir.RemainingBackupCodes("hr-1"); n != 0 {
		t.Fatalf("expected no remaining codes, got %d", n)
	}

	resp = api.post("/v1/auth/login", map[string]any{
		"email": "hr@corp.example", "password": "s3cret", "totp_code": "123456", "backup_code": "x",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for two proofs, got %d", resp.StatusCode)
	}
}

type failingDirectory struct{}

func (failingDirectory) FindBySubject(context.Context, string) (*auth.UserRecord, error) {
	return nil, errors.New("connection refused")
}
func (failingDirectory) InvalidateBackupCode(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingDirectory) TouchLastLogin(context.Context, string) error { return nil }

func TestAPILoginInfrastructureFailure(t *testing.T) {
	api := newTestAPIWith(t, apiOptions{dir: failingDirectory{}})
	resp := api.post("/v1/auth/login", map[string]any{"email": "a@x.com", "password": "pw"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	for _, headers := range []map[string]string{
		nil,
		{"Authorization": "Basic abc"},
		{"Authorization": "Bearer not-a-token"},
	} {
		resp := api.get("/v1/auth/session", nil, headers)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatal("expected WWW-Authenticate header")
		}
		body := decode[map[string]any](t, resp)
		if body["error"] == "" || body["request_id"] == "" {
			t.Fatalf("expected error and request_id: %v", body)
		}
	}
}

func TestAPIAuditEventsRequirePermission(t *testing.T) {
	api := newTestAPI(t)

	agent := api.login("agent@corp.example", "s3cret")
	resp := api.get("/v1/audit/events", nil, bearerHeader(agent))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	admin := api.login("admin@corp.example", "s3cret")
	resp = api.get("/v1/audit/events", url.Values{"subject_id": {"agent-1"}, "limit": {"5"}}, bearerHeader(admin))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decode[struct {
		Items []auth.SecurityEvent `json:"items"`
	}](t, resp)
	if len(payload.Items) != 1 || payload.Items[0].Kind != auth.EventLoginSuccess {
		t.Fatalf("unexpected events: %+v", payload.Items)
	}

	resp = api.get("/v1/audit/events", url.Values{"limit": {"0"}}, bearerHeader(admin))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPIAuditStream(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("admin@corp.example", "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/audit/stream?subject_id=agent-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(first, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", first, err)
	}

	_ = api.login("admin@corp.example", "s3cret")
	bad := api.post("/v1/auth/login", map[string]any{"email": "agent@corp.example", "password": "nope"}, nil)
	bad.Body.Close()

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if eventLine != string(auth.EventLoginFailure) {
		t.Fatalf("expected LOGIN_FAILURE, got %q", eventLine)
	}
	var ev auth.SecurityEvent
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SubjectID != "agent-1" {
		t.Fatalf("filtered stream delivered %+v", ev)
	}
}

func TestAPIAuditStreamRequiresPermission(t *testing.T) {
	api := newTestAPI(t)
	agent := api.login("agent@corp.example", "s3cret")
	resp := api.get("/v1/audit/stream", nil, bearerHeader(agent))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestLoginEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", map[string]any{"user": "x"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/auth/login", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/healthz", nil, nil)
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health: %v", health)
	}
	resp = api.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	down := newTestAPIWith(t, apiOptions{ready: failingReadiness{}})
	resp = down.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestNewRequiresSessionIssuer(t *testing.T) {
	svc, err := auth.NewService(memory.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := New(svc); err == nil {
		t.Fatal("expected error without session issuer")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil service")
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
