package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mikage/codex-pool/internal/reqid"
)

// OAuthError carries the upstream error code, a readable message, and the
// HTTP status when the failure came from a response.
type OAuthError struct {
	Code    string
	Message string
	Status  int
}

func (e *OAuthError) Error() string { return e.Code + ": " + e.Message }

func oauthErr(code, message string, status int) *OAuthError {
	return &OAuthError{Code: code, Message: message, Status: status}
}

// Tokens is the triple returned by every successful exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// RefreshResult is a token triple plus profile fields parsed from the id
// token, when present.
type RefreshResult struct {
	Tokens
	Email       string
	PlanType    string
	WorkspaceID string
}

// OAuthClient performs enrollment and refresh flows against the identity
// service.
type OAuthClient struct {
	baseURL     string
	clientID    string
	redirectURI string
	scope       string
	http        *http.Client
}

func NewOAuthClient(baseURL, clientID, redirectURI, scope string, timeout time.Duration) *OAuthClient {
	return &OAuthClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		clientID:    clientID,
		redirectURI: redirectURI,
		scope:       scope,
		http:        &http.Client{Timeout: timeout},
	}
}

// --- PKCE helpers ---

// PKCEChallenge derives the S256 challenge for a verifier.
func PKCEChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	return verifier, PKCEChallenge(verifier), nil
}

func GenerateState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// AuthorizationURL builds the browser-facing authorize URL. The scope always
// includes offline_access so a refresh token is issued.
func (c *OAuthClient) AuthorizationURL(state, challenge string) string {
	params := url.Values{
		"response_type":              {"code"},
		"client_id":                  {c.clientID},
		"redirect_uri":               {c.redirectURI},
		"scope":                      {ensureOfflineAccess(c.scope)},
		"code_challenge":             {challenge},
		"code_challenge_method":      {"S256"},
		"state":                      {state},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
		"originator":                 {"codex_cli_rs"},
	}
	return c.baseURL + "/oauth/authorize?" + params.Encode()
}

func ensureOfflineAccess(scope string) string {
	for _, part := range strings.Fields(scope) {
		if part == "offline_access" {
			return scope
		}
	}
	return scope + " offline_access"
}

// ExchangeCode trades an authorization code for a token triple. All three
// tokens are mandatory. An empty redirectURI falls back to the configured
// one.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Tokens, error) {
	if redirectURI == "" {
		redirectURI = c.redirectURI
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {redirectURI},
	}

	body, status, err := c.postForm(ctx, c.baseURL+"/oauth/token", form)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, oauthErrorFromPayload(body, status)
	}
	return parseTokens(body)
}

// ExtractCode accepts either a bare authorization code or a full callback
// URL pasted from the browser and returns the code.
func ExtractCode(input string) string {
	input = strings.TrimSpace(input)
	if !strings.Contains(input, "://") {
		return input
	}
	u, err := url.Parse(input)
	if err != nil {
		return input
	}
	if code := u.Query().Get("code"); code != "" {
		return code
	}
	return input
}

// Refresh trades a refresh token for a new triple. The refresh and id
// tokens fall back to their previous values when the provider omits them.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile email"},
	}

	body, status, err := c.postForm(ctx, c.baseURL+"/oauth/token", form)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, oauthErrorFromPayload(body, status)
	}

	access := gjson.GetBytes(body, "access_token").String()
	if access == "" {
		return nil, oauthErr("invalid_response", "OAuth response missing tokens", status)
	}
	result := &RefreshResult{Tokens: Tokens{
		AccessToken:  access,
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		IDToken:      gjson.GetBytes(body, "id_token").String(),
	}}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	if info := ParseIDToken(result.IDToken); info != nil {
		result.Email = info.Email
		result.PlanType = info.PlanType
		result.WorkspaceID = info.WorkspaceID
	}
	return result, nil
}

func parseTokens(body []byte) (*Tokens, error) {
	t := &Tokens{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		IDToken:      gjson.GetBytes(body, "id_token").String(),
	}
	if t.AccessToken == "" || t.RefreshToken == "" || t.IDToken == "" {
		return nil, oauthErr("invalid_response", "OAuth response missing tokens", 0)
	}
	return t, nil
}

// postForm sends an x-www-form-urlencoded POST and returns the body parsed
// through safeErrorBody, so callers always see a JSON object.
func (c *OAuthClient) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if id := reqid.From(ctx); id != "" {
		req.Header.Set(reqid.Header, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read oauth response: %w", err)
	}
	return safeErrorBody(body), resp.StatusCode, nil
}

// postJSON sends a JSON POST, used by the device-auth endpoints.
func (c *OAuthClient) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(string(raw)))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := reqid.From(ctx); id != "" {
		req.Header.Set(reqid.Header, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read oauth response: %w", err)
	}
	return safeErrorBody(body), resp.StatusCode, nil
}

// safeErrorBody wraps non-JSON bodies so error extraction always has an
// object to walk.
func safeErrorBody(body []byte) []byte {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return []byte("{}")
	}
	if gjson.Valid(trimmed) && gjson.Parse(trimmed).IsObject() {
		return []byte(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]any{"error": map[string]any{"message": trimmed}})
	return wrapped
}

// --- error payload extraction ---
//
// Providers answer with either {"error": "code"} or
// {"error": {"code"|"error", "message"|"error_description"}}, with
// error_code/code/message fallbacks at the top level.

func oauthErrorFromPayload(body []byte, status int) *OAuthError {
	code := extractErrorCode(body)
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	message := extractErrorMessage(body)
	if message == "" {
		message = fmt.Sprintf("OAuth request failed (%d)", status)
	}
	return oauthErr(code, message, status)
}

func extractErrorCode(body []byte) string {
	e := gjson.GetBytes(body, "error")
	if e.IsObject() {
		if c := e.Get("code"); c.Type == gjson.String {
			return c.Str
		}
		if c := e.Get("error"); c.Type == gjson.String {
			return c.Str
		}
		return ""
	}
	if e.Type == gjson.String {
		return e.Str
	}
	if c := gjson.GetBytes(body, "error_code"); c.Type == gjson.String {
		return c.Str
	}
	if c := gjson.GetBytes(body, "code"); c.Type == gjson.String {
		return c.Str
	}
	return ""
}

func extractErrorMessage(body []byte) string {
	e := gjson.GetBytes(body, "error")
	if e.IsObject() {
		if m := e.Get("message"); m.Type == gjson.String {
			return m.Str
		}
		if m := e.Get("error_description"); m.Type == gjson.String {
			return m.Str
		}
		return ""
	}
	if e.Type == gjson.String {
		if m := gjson.GetBytes(body, "error_description"); m.Type == gjson.String {
			return m.Str
		}
		return e.Str
	}
	if m := gjson.GetBytes(body, "message"); m.Type == gjson.String {
		return m.Str
	}
	return ""
}

// --- id token ---

// HeaderWorkspaceID returns the workspace id suitable for the upstream
// chatgpt-account-id header. Synthetic ids minted for personal accounts
// (email_*, local_*) must not be sent upstream.
func HeaderWorkspaceID(workspaceID string) string {
	if workspaceID == "" {
		return ""
	}
	if strings.HasPrefix(workspaceID, "email_") || strings.HasPrefix(workspaceID, "local_") {
		return ""
	}
	return workspaceID
}

// IDTokenInfo is the profile data embedded in the identity provider's JWT.
type IDTokenInfo struct {
	Email       string
	PlanType    string
	WorkspaceID string
	OrgTitle    string
}

// ParseIDToken extracts profile claims from a JWT payload without verifying
// the signature; the token came over TLS from the provider itself.
func ParseIDToken(idToken string) *IDTokenInfo {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return nil
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}

	var claims struct {
		Email string `json:"email"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
			ChatGPTPlanType  string `json:"chatgpt_plan_type"`
			Organizations    []struct {
				Title string `json:"title"`
			} `json:"organizations"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil
	}

	info := &IDTokenInfo{
		Email:       claims.Email,
		PlanType:    claims.Auth.ChatGPTPlanType,
		WorkspaceID: claims.Auth.ChatGPTAccountID,
	}
	if len(claims.Auth.Organizations) > 0 {
		info.OrgTitle = claims.Auth.Organizations[0].Title
	}
	return info
}
