package relay

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/plans"
)

// quotaCodes mark an account's plan allowance as spent until the window
// resets.
var quotaCodes = map[string]bool{
	"quota_exceeded":      true,
	"insufficient_quota":  true,
	"usage_limit_reached": true,
	"usage_not_included":  true,
}

// UpstreamError is the classified form of an upstream error response.
type UpstreamError struct {
	Status          int
	Code            string
	Message         string
	PlanType        string
	ResetsAt        *int64
	ResetsInSeconds *int64

	raw []byte
}

// Classify parses an upstream error body into its envelope fields. The
// `error` member may be an object or a bare string. Numeric fields accept
// ints, floats, and numeric strings. The code is lowercased and falls back
// to the error type, then to "upstream_error".
func Classify(status int, body []byte) *UpstreamError {
	ue := &UpstreamError{Status: status, raw: body}

	var code, typ string
	errField := gjson.GetBytes(body, "error")
	switch {
	case errField.Type == gjson.String:
		ue.Message = errField.Str
	case errField.IsObject():
		ue.Message = stringField(errField.Get("message"))
		code = stringField(errField.Get("code"))
		typ = stringField(errField.Get("type"))
		ue.PlanType = plans.NormalizeRateLimit(stringField(errField.Get("plan_type")))
		ue.ResetsAt = numberField(errField.Get("resets_at"))
		ue.ResetsInSeconds = numberField(errField.Get("resets_in_seconds"))
	}

	switch {
	case code != "":
		ue.Code = strings.ToLower(code)
	case typ != "":
		ue.Code = strings.ToLower(typ)
	default:
		ue.Code = "upstream_error"
	}
	return ue
}

// QuotaExhausted reports that the account's plan allowance is spent.
func (e *UpstreamError) QuotaExhausted() bool { return quotaCodes[e.Code] }

// RateLimited reports that the account should cool down before reuse.
func (e *UpstreamError) RateLimited() bool {
	return e.Status == 429 || e.Code == "rate_limit_exceeded"
}

// Permanent reports that the code marks the account beyond automatic
// recovery.
func (e *UpstreamError) Permanent() bool {
	_, ok := balancer.PermanentFailureReasons[e.Code]
	return ok
}

// Transient reports a server-side failure worth retrying on another account.
func (e *UpstreamError) Transient() bool { return e.Status >= 500 }

// Hint carries the fields the balancer transitions act on.
func (e *UpstreamError) Hint() balancer.Hint {
	return balancer.Hint{Message: e.Message, ResetsAt: e.ResetsAt}
}

// Body returns the upstream error body for the downstream client, with the
// rate-limit metadata merged into the envelope when one was parsed. Bodies
// that are not the standard envelope pass through verbatim.
func (e *UpstreamError) Body() []byte {
	if !gjson.GetBytes(e.raw, "error").IsObject() {
		return e.raw
	}
	out := e.raw
	if e.PlanType != "" {
		out, _ = sjson.SetBytes(out, "error.plan_type", e.PlanType)
	}
	if e.ResetsAt != nil {
		out, _ = sjson.SetBytes(out, "error.resets_at", *e.ResetsAt)
	}
	if e.ResetsInSeconds != nil {
		out, _ = sjson.SetBytes(out, "error.resets_in_seconds", *e.ResetsInSeconds)
	}
	return out
}

func stringField(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.Str
	}
	return ""
}

func numberField(res gjson.Result) *int64 {
	switch res.Type {
	case gjson.Number:
		v := int64(res.Num)
		return &v
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64); err == nil {
			v := int64(f)
			return &v
		}
	}
	return nil
}
