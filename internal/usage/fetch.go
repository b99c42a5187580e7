// Package usage samples per-account quota from the upstream usage endpoint,
// persists the history rows behind the dashboard, and feeds fresh samples
// into the balancer.
package usage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mikage/codex-pool/internal/account"
	"github.com/mikage/codex-pool/internal/reqid"
	"github.com/mikage/codex-pool/internal/store"
)

// PayloadWindow is one rate-limit window from the usage payload. Fields are
// nil when the upstream omits them.
type PayloadWindow struct {
	UsedPercent        *float64
	ResetAt            *int64
	LimitWindowSeconds *int64
}

// Credits is the account's credit standing, when the payload reports one.
// Balance tolerates numeric strings.
type Credits struct {
	Has       *bool
	Unlimited *bool
	Balance   *float64
}

// Payload is the parsed usage endpoint response.
type Payload struct {
	Primary   *PayloadWindow
	Secondary *PayloadWindow
	Credits   *Credits
}

// FetchError reports a non-2xx usage response. Status drives the single
// refresh-and-retry on 401.
type FetchError struct {
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("usage fetch failed (%d)", e.Status)
}

// ClientSource hands out per-account HTTP clients.
type ClientSource interface {
	Client(acct *store.Account) (*http.Client, error)
}

// Fetcher pulls one account's usage snapshot from the upstream endpoint.
type Fetcher struct {
	url     string
	clients ClientSource
}

func NewFetcher(url string, clients ClientSource) *Fetcher {
	return &Fetcher{url: url, clients: clients}
}

func (f *Fetcher) Fetch(ctx context.Context, acct *store.Account, accessToken string) (*Payload, error) {
	client, err := f.clients.Client(acct)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if ws := account.HeaderWorkspaceID(acct.WorkspaceID); ws != "" {
		req.Header.Set("chatgpt-account-id", ws)
	}
	if id := reqid.From(ctx); id != "" {
		req.Header.Set(reqid.Header, id)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &FetchError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return parsePayload(body), nil
}

func parsePayload(body []byte) *Payload {
	root := gjson.ParseBytes(body)
	p := &Payload{
		Primary:   parseWindow(root.Get("rate_limit.primary_window")),
		Secondary: parseWindow(root.Get("rate_limit.secondary_window")),
	}
	if c := root.Get("credits"); c.IsObject() {
		credits := &Credits{
			Has:       boolValue(c.Get("has_credits")),
			Unlimited: boolValue(c.Get("unlimited")),
		}
		if v, ok := numberValue(c.Get("balance")); ok {
			credits.Balance = &v
		}
		p.Credits = credits
	}
	return p
}

func parseWindow(res gjson.Result) *PayloadWindow {
	if !res.IsObject() {
		return nil
	}
	w := &PayloadWindow{}
	if v, ok := numberValue(res.Get("used_percent")); ok {
		w.UsedPercent = &v
	}
	if v, ok := numberValue(res.Get("reset_at")); ok {
		at := int64(v)
		w.ResetAt = &at
	}
	if v, ok := numberValue(res.Get("limit_window_seconds")); ok {
		secs := int64(v)
		w.LimitWindowSeconds = &secs
	}
	return w
}

// numberValue coerces numbers and numeric strings.
func numberValue(res gjson.Result) (float64, bool) {
	switch res.Type {
	case gjson.Number:
		return res.Num, true
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}

func boolValue(res gjson.Result) *bool {
	switch res.Type {
	case gjson.True:
		t := true
		return &t
	case gjson.False:
		f := false
		return &f
	default:
		return nil
	}
}
