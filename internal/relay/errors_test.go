package relay

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestClassifyEnvelope(t *testing.T) {
	body := `{"error":{"message":"Usage limit reached.","type":"usage_error","code":"USAGE_LIMIT_REACHED",
		"plan_type":"PRO","resets_at":1700000600,"resets_in_seconds":"3600.5"}}`
	cls := Classify(429, []byte(body))

	if cls.Code != "usage_limit_reached" {
		t.Fatalf("code = %q", cls.Code)
	}
	if cls.Message != "Usage limit reached." {
		t.Fatalf("message = %q", cls.Message)
	}
	if cls.PlanType != "pro" {
		t.Fatalf("plan type = %q", cls.PlanType)
	}
	if cls.ResetsAt == nil || *cls.ResetsAt != 1700000600 {
		t.Fatalf("resets_at = %v", cls.ResetsAt)
	}
	if cls.ResetsInSeconds == nil || *cls.ResetsInSeconds != 3600 {
		t.Fatalf("resets_in_seconds = %v", cls.ResetsInSeconds)
	}
	if !cls.QuotaExhausted() {
		t.Fatal("usage_limit_reached should read as quota")
	}
}

func TestClassifyFallbacks(t *testing.T) {
	cls := Classify(500, []byte(`{"error":{"type":"Server_Error","message":"boom"}}`))
	if cls.Code != "server_error" {
		t.Fatalf("code = %q, want type fallback", cls.Code)
	}

	cls = Classify(502, []byte(`{"error":{"message":"boom"}}`))
	if cls.Code != "upstream_error" {
		t.Fatalf("code = %q, want default", cls.Code)
	}

	cls = Classify(503, []byte(`{"error":"service melting"}`))
	if cls.Code != "upstream_error" || cls.Message != "service melting" {
		t.Fatalf("bare string error: code=%q message=%q", cls.Code, cls.Message)
	}

	cls = Classify(500, []byte("<html>bad gateway</html>"))
	if cls.Code != "upstream_error" || cls.Message != "" {
		t.Fatalf("non-JSON body: code=%q message=%q", cls.Code, cls.Message)
	}
}

func TestClassifyIgnoresJunkFields(t *testing.T) {
	body := `{"error":{"code":42,"type":null,"plan_type":"mystery","resets_at":"n/a","resets_in_seconds":true}}`
	cls := Classify(400, []byte(body))

	if cls.Code != "upstream_error" {
		t.Fatalf("code = %q", cls.Code)
	}
	if cls.PlanType != "" {
		t.Fatalf("plan type = %q, want unknown plan dropped", cls.PlanType)
	}
	if cls.ResetsAt != nil || cls.ResetsInSeconds != nil {
		t.Fatalf("resets = %v / %v", cls.ResetsAt, cls.ResetsInSeconds)
	}
}

func TestClassifyPredicates(t *testing.T) {
	if !Classify(429, []byte(`{}`)).RateLimited() {
		t.Fatal("429 should rate limit")
	}
	if !Classify(400, []byte(`{"error":{"code":"rate_limit_exceeded"}}`)).RateLimited() {
		t.Fatal("rate_limit_exceeded code should rate limit regardless of status")
	}
	if !Classify(403, []byte(`{"error":{"code":"access_denied"}}`)).Permanent() {
		t.Fatal("access_denied should be permanent")
	}
	if Classify(400, []byte(`{"error":{"code":"bad_param"}}`)).Permanent() {
		t.Fatal("bad_param should not be permanent")
	}
	if !Classify(503, []byte(``)).Transient() {
		t.Fatal("503 should be transient")
	}
	if Classify(404, []byte(``)).Transient() {
		t.Fatal("404 should not be transient")
	}
}

func TestUpstreamErrorBodyMergesMetadata(t *testing.T) {
	body := `{"error":{"message":"limit","code":"usage_limit_reached","plan_type":"plus","resets_at":"1700000600","param":"x"}}`
	cls := Classify(429, []byte(body))

	out := gjson.ParseBytes(cls.Body())
	if got := out.Get("error.plan_type").Str; got != "plus" {
		t.Fatalf("plan_type = %q", got)
	}
	if res := out.Get("error.resets_at"); res.Type != gjson.Number || res.Int() != 1700000600 {
		t.Fatalf("resets_at = %s, want numeric", res.Raw)
	}
	if got := out.Get("error.param").Str; got != "x" {
		t.Fatalf("param = %q, want untouched envelope fields", got)
	}
}

func TestUpstreamErrorBodyPassesJunkThrough(t *testing.T) {
	raw := []byte("<html>upstream exploded</html>")
	cls := Classify(502, raw)
	if got := string(cls.Body()); got != string(raw) {
		t.Fatalf("body = %q", got)
	}
}
