package account

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DeviceCode describes a pending device-code enrollment: the URL and code
// shown to the user, plus the polling parameters.
type DeviceCode struct {
	VerificationURL string
	UserCode        string
	DeviceAuthID    string
	IntervalSeconds int
	ExpiresIn       int
}

// RequestDeviceCode starts a device-code enrollment. Identity services that
// do not expose the device endpoints answer 404, which is surfaced with a
// code the UI can tell apart from a plain failure.
func (c *OAuthClient) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	body, status, err := c.postJSON(ctx, c.baseURL+"/api/accounts/deviceauth/usercode",
		map[string]string{"client_id": c.clientID})
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		if status == http.StatusNotFound {
			return nil, oauthErr("device_auth_unavailable",
				"Device code login is not enabled for this Codex server. Use the browser login or verify the server URL.",
				status)
		}
		return nil, oauthErr("device_auth_failed",
			fmt.Sprintf("Device code request failed with status %d", status), status)
	}

	dc := &DeviceCode{
		VerificationURL: c.baseURL + "/codex/device",
		UserCode:        gjson.GetBytes(body, "user_code").String(),
		DeviceAuthID:    gjson.GetBytes(body, "device_auth_id").String(),
		IntervalSeconds: int(gjson.GetBytes(body, "interval").Int()),
		ExpiresIn:       int(gjson.GetBytes(body, "expires_in").Int()),
	}
	if dc.UserCode == "" || dc.DeviceAuthID == "" {
		return nil, oauthErr("invalid_response", "Device auth response missing fields", status)
	}
	if dc.ExpiresIn <= 0 {
		dc.ExpiresIn = expiresInSeconds(gjson.GetBytes(body, "expires_at").String())
	}
	return dc, nil
}

// ExchangeDeviceToken performs one poll step of the device flow. A nil token
// set with a nil error means the user has not approved the device yet; keep
// polling. Some deployments answer with an authorization code instead of
// tokens, in which case the code exchange finishes the flow.
func (c *OAuthClient) ExchangeDeviceToken(ctx context.Context, deviceAuthID, userCode string) (*Tokens, error) {
	body, status, err := c.postJSON(ctx, c.baseURL+"/api/accounts/deviceauth/token",
		map[string]string{"device_auth_id": deviceAuthID, "user_code": userCode})
	if err != nil {
		return nil, err
	}

	if status == http.StatusForbidden || status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 400 {
		if isPendingPayload(body) {
			return nil, nil
		}
		return nil, oauthErrorFromPayload(body, status)
	}
	if isPendingPayload(body) {
		return nil, nil
	}

	if code := gjson.GetBytes(body, "authorization_code").String(); code != "" {
		verifier := gjson.GetBytes(body, "code_verifier").String()
		if verifier == "" {
			return nil, oauthErr("invalid_response", "Device auth response missing code verifier", status)
		}
		return c.ExchangeCode(ctx, code, verifier, c.baseURL+"/deviceauth/callback")
	}
	return parseTokens(body)
}

func isPendingPayload(body []byte) bool {
	switch extractErrorCode(body) {
	case "authorization_pending", "slow_down":
		return true
	}
	status := strings.ToLower(gjson.GetBytes(body, "status").String())
	return status == "pending" || status == "authorization_pending"
}

// expiresInSeconds converts an absolute expiry into a TTL, defaulting to 15
// minutes when the timestamp is absent, unparsable, or already past.
func expiresInSeconds(expiresAt string) int {
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		t, err = time.ParseInLocation("2006-01-02T15:04:05", expiresAt, time.UTC)
		if err != nil {
			return 900
		}
	}
	delta := int(time.Until(t).Seconds())
	if delta <= 0 {
		return 900
	}
	return delta
}
