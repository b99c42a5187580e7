package account

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestClient(baseURL string) *OAuthClient {
	return NewOAuthClient(baseURL, "client-123", "http://localhost:1455/auth/callback",
		"openid profile email", 5*time.Second)
}

func fakeIDToken(t *testing.T, email, plan, workspace string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"email": email,
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_plan_type":  plan,
			"chatgpt_account_id": workspace,
		},
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestPKCEChallengeLaw(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("generate pkce: %v", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); challenge != want {
		t.Fatalf("challenge mismatch: got %s want %s", challenge, want)
	}
	if strings.ContainsAny(verifier, "+/=") {
		t.Fatalf("verifier not base64url-nopad: %q", verifier)
	}
}

func TestAuthorizationURLParams(t *testing.T) {
	c := newTestClient("https://auth.example.com")
	raw := c.AuthorizationURL("state-1", "challenge-1")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Path != "/oauth/authorize" {
		t.Fatalf("unexpected path %s", u.Path)
	}

	q := u.Query()
	want := map[string]string{
		"response_type":              "code",
		"client_id":                  "client-123",
		"redirect_uri":               "http://localhost:1455/auth/callback",
		"code_challenge":             "challenge-1",
		"code_challenge_method":      "S256",
		"state":                      "state-1",
		"id_token_add_organizations": "true",
		"codex_cli_simplified_flow":  "true",
		"originator":                 "codex_cli_rs",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("param %s = %q, want %q", k, got, v)
		}
	}
	if scope := q.Get("scope"); !strings.Contains(scope, "offline_access") {
		t.Errorf("scope missing offline_access: %q", scope)
	}
}

func TestExchangeCodeRoundTrip(t *testing.T) {
	var gotForm url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"id_token":      "idt-1",
		})
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	tokens, err := c.ExchangeCode(context.Background(), "the-code", "the-verifier", "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens.AccessToken != "at-1" || tokens.RefreshToken != "rt-1" || tokens.IDToken != "idt-1" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if gotForm.Get("grant_type") != "authorization_code" ||
		gotForm.Get("code") != "the-code" ||
		gotForm.Get("code_verifier") != "the-verifier" ||
		gotForm.Get("redirect_uri") != "http://localhost:1455/auth/callback" {
		t.Fatalf("unexpected form %v", gotForm)
	}
}

func TestExchangeCodeMissingTokens(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "at-1"})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).ExchangeCode(context.Background(), "code", "verifier", "")
	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OAuthError, got %v", err)
	}
	if oerr.Code != "invalid_response" || oerr.Message != "OAuth response missing tokens" {
		t.Fatalf("unexpected error %+v", oerr)
	}
}

func TestRefreshFallsBackToPreviousTokens(t *testing.T) {
	idToken := ""
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected grant_type %q", r.PostForm.Get("grant_type"))
		}
		resp := map[string]string{"access_token": "at-new"}
		if idToken != "" {
			resp["id_token"] = idToken
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)

	result, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.AccessToken != "at-new" || result.RefreshToken != "rt-old" {
		t.Fatalf("expected refresh token fallback, got %+v", result.Tokens)
	}

	idToken = fakeIDToken(t, "user@example.com", "PRO", "ws-1")
	result, err = c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("refresh with id token: %v", err)
	}
	if result.Email != "user@example.com" || result.PlanType != "PRO" || result.WorkspaceID != "ws-1" {
		t.Fatalf("expected profile claims parsed, got %+v", result)
	}
}

func TestRefreshSurfacesUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "grant revoked",
		})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Refresh(context.Background(), "rt")
	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OAuthError, got %v", err)
	}
	if oerr.Code != "invalid_grant" || oerr.Message != "grant revoked" || oerr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected error %+v", oerr)
	}
}

func TestErrorPayloadExtraction(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		status   int
		wantCode string
		wantMsg  string
	}{
		{
			name:     "string error",
			body:     `{"error":"invalid_grant"}`,
			status:   400,
			wantCode: "invalid_grant",
			wantMsg:  "invalid_grant",
		},
		{
			name:     "nested object",
			body:     `{"error":{"code":"access_denied","message":"nope"}}`,
			status:   403,
			wantCode: "access_denied",
			wantMsg:  "nope",
		},
		{
			name:     "nested error/error_description",
			body:     `{"error":{"error":"slow_down","error_description":"later"}}`,
			status:   429,
			wantCode: "slow_down",
			wantMsg:  "later",
		},
		{
			name:     "top level fallbacks",
			body:     `{"error_code":"bad_request","message":"broken"}`,
			status:   400,
			wantCode: "bad_request",
			wantMsg:  "broken",
		},
		{
			name:     "synthesized from status",
			body:     `{}`,
			status:   502,
			wantCode: "http_502",
			wantMsg:  "OAuth request failed (502)",
		},
		{
			name:     "non-json body wrapped",
			body:     "upstream exploded",
			status:   500,
			wantCode: "http_500",
			wantMsg:  "upstream exploded",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oerr := oauthErrorFromPayload(safeErrorBody([]byte(tc.body)), tc.status)
			if oerr.Code != tc.wantCode || oerr.Message != tc.wantMsg {
				t.Fatalf("got (%s, %q), want (%s, %q)", oerr.Code, oerr.Message, tc.wantCode, tc.wantMsg)
			}
		})
	}
}

func TestParseIDToken(t *testing.T) {
	info := ParseIDToken(fakeIDToken(t, "a@b.c", "plus", "ws-9"))
	if info == nil {
		t.Fatalf("expected claims")
	}
	if info.Email != "a@b.c" || info.PlanType != "plus" || info.WorkspaceID != "ws-9" {
		t.Fatalf("unexpected claims %+v", info)
	}

	if ParseIDToken("not-a-jwt") != nil {
		t.Fatalf("expected nil for malformed token")
	}
	if ParseIDToken("") != nil {
		t.Fatalf("expected nil for empty token")
	}
}

func TestRequestDeviceCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/deviceauth/usercode" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["client_id"] != "client-123" {
			t.Errorf("unexpected client_id %q", req["client_id"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user_code":      "ABCD-1234",
			"device_auth_id": "dev-1",
			"interval":       5,
			"expires_in":     600,
		})
	}))
	defer ts.Close()

	dc, err := newTestClient(ts.URL).RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("request device code: %v", err)
	}
	if dc.UserCode != "ABCD-1234" || dc.DeviceAuthID != "dev-1" {
		t.Fatalf("unexpected device code %+v", dc)
	}
	if dc.IntervalSeconds != 5 || dc.ExpiresIn != 600 {
		t.Fatalf("unexpected polling params %+v", dc)
	}
	if dc.VerificationURL != ts.URL+"/codex/device" {
		t.Fatalf("unexpected verification url %s", dc.VerificationURL)
	}
}

func TestRequestDeviceCodeUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).RequestDeviceCode(context.Background())
	var oerr *OAuthError
	if !errors.As(err, &oerr) || oerr.Code != "device_auth_unavailable" {
		t.Fatalf("expected device_auth_unavailable, got %v", err)
	}
	if !strings.Contains(oerr.Message, "Device code login is not enabled") {
		t.Fatalf("unexpected message %q", oerr.Message)
	}
}

func TestRequestDeviceCodeExpiryFallback(t *testing.T) {
	expiresAt := time.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user_code":      "ABCD",
			"device_auth_id": "dev-2",
			"expires_at":     expiresAt,
		})
	}))
	defer ts.Close()

	dc, err := newTestClient(ts.URL).RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("request device code: %v", err)
	}
	if dc.ExpiresIn < 590 || dc.ExpiresIn > 600 {
		t.Fatalf("expected ~600s from expires_at, got %d", dc.ExpiresIn)
	}

	// Missing expiry entirely falls back to 15 minutes.
	ts2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"user_code": "A", "device_auth_id": "d"})
	}))
	defer ts2.Close()

	dc, err = newTestClient(ts2.URL).RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("request device code: %v", err)
	}
	if dc.ExpiresIn != 900 {
		t.Fatalf("expected 900s default, got %d", dc.ExpiresIn)
	}
}

func TestRequestDeviceCodeMissingFields(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"user_code": "ABCD"})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).RequestDeviceCode(context.Background())
	var oerr *OAuthError
	if !errors.As(err, &oerr) || oerr.Code != "invalid_response" {
		t.Fatalf("expected invalid_response, got %v", err)
	}
}

func TestExchangeDeviceTokenPending(t *testing.T) {
	responses := []struct {
		status int
		body   string
	}{
		{http.StatusForbidden, `{}`},
		{http.StatusNotFound, `{}`},
		{http.StatusBadRequest, `{"error":"authorization_pending"}`},
		{http.StatusBadRequest, `{"error":"slow_down"}`},
		{http.StatusOK, `{"status":"pending"}`},
		{http.StatusOK, `{"status":"authorization_pending"}`},
	}

	for _, tc := range responses {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))
		tokens, err := newTestClient(ts.URL).ExchangeDeviceToken(context.Background(), "dev-1", "ABCD")
		ts.Close()
		if err != nil {
			t.Fatalf("status %d body %s: unexpected error %v", tc.status, tc.body, err)
		}
		if tokens != nil {
			t.Fatalf("status %d body %s: expected pending, got %+v", tc.status, tc.body, tokens)
		}
	}
}

func TestExchangeDeviceTokenDirect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["device_auth_id"] != "dev-1" || req["user_code"] != "ABCD" {
			t.Errorf("unexpected poll body %v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "at",
			"refresh_token": "rt",
			"id_token":      "idt",
		})
	}))
	defer ts.Close()

	tokens, err := newTestClient(ts.URL).ExchangeDeviceToken(context.Background(), "dev-1", "ABCD")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens == nil || tokens.AccessToken != "at" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
}

func TestExchangeDeviceTokenDelegatesToCodeExchange(t *testing.T) {
	var tokenForm url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/deviceauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"authorization_code": "auth-code",
			"code_verifier":      "dev-verifier",
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		tokenForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "at",
			"refresh_token": "rt",
			"id_token":      "idt",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tokens, err := newTestClient(ts.URL).ExchangeDeviceToken(context.Background(), "dev-1", "ABCD")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens == nil || tokens.AccessToken != "at" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if tokenForm.Get("code") != "auth-code" || tokenForm.Get("code_verifier") != "dev-verifier" {
		t.Fatalf("unexpected delegated form %v", tokenForm)
	}
	if got := tokenForm.Get("redirect_uri"); got != ts.URL+"/deviceauth/callback" {
		t.Fatalf("unexpected redirect_uri %q", got)
	}

	// An authorization code without its verifier is a broken response.
	ts2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"authorization_code": "auth-code"})
	}))
	defer ts2.Close()

	_, err = newTestClient(ts2.URL).ExchangeDeviceToken(context.Background(), "dev-1", "ABCD")
	var oerr *OAuthError
	if !errors.As(err, &oerr) || oerr.Code != "invalid_response" {
		t.Fatalf("expected invalid_response, got %v", err)
	}
}
