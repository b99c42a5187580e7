// Package relay proxies Responses-API traffic across a pool of upstream
// accounts: pick an account, keep its token fresh, forward the request, and
// settle the account's runtime state from whatever comes back.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mikage/codex-pool/internal/account"
	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/config"
	"github.com/mikage/codex-pool/internal/reqid"
	"github.com/mikage/codex-pool/internal/store"
	"github.com/mikage/codex-pool/internal/translator"
)

const maxErrorBody = 1 << 20

// TransportProvider supplies per-account HTTP clients.
type TransportProvider interface {
	Client(acct *store.Account) (*http.Client, error)
}

type proxyMode int

const (
	// modePassthrough forwards the upstream SSE stream as received.
	modePassthrough proxyMode = iota
	// modeChatStream re-frames Responses events as chat-completion chunks.
	modeChatStream
	// modeChatCollect aggregates the stream into one chat completion.
	modeChatCollect
)

// Router drives the select → dispatch → observe → settle loop for proxied
// requests.
type Router struct {
	store     store.Store
	accounts  *account.Manager
	crypto    *account.Crypto
	balancer  *balancer.Balancer
	transport TransportProvider
	cfg       *config.Config
}

func NewRouter(
	s store.Store,
	accounts *account.Manager,
	crypto *account.Crypto,
	bal *balancer.Balancer,
	tp TransportProvider,
	cfg *config.Config,
) *Router {
	return &Router{
		store:     s,
		accounts:  accounts,
		crypto:    crypto,
		balancer:  bal,
		transport: tp,
		cfg:       cfg,
	}
}

// ServeResponses proxies a native Responses request and streams the answer
// back as received.
func (r *Router) ServeResponses(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	coerced, err := translator.CoerceRequest(body)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	r.proxy(w, req, coerced, modePassthrough)
}

// ServeChatCompletions proxies an OpenAI chat-completion request, translating
// both directions of the exchange.
func (r *Router) ServeChatCompletions(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	coerced, err := translator.CoerceRequest(body)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	mode := modeChatCollect
	if gjson.GetBytes(coerced, "stream").Bool() {
		mode = modeChatStream
	}
	r.proxy(w, req, coerced, mode)
}

func (r *Router) proxy(w http.ResponseWriter, req *http.Request, body []byte, mode proxyMode) {
	ctx := req.Context()
	model := gjson.GetBytes(body, "model").Str

	// The upstream endpoint always streams; chat completions are re-framed
	// or collected locally.
	body, _ = sjson.SetBytes(body, "stream", true)

	var excludeIDs []string
	var waitMsg string
	var lastErr *UpstreamError
	var lastAccountID string

	for attempt := 0; attempt < r.cfg.RetryBudget; attempt++ {
		if ctx.Err() != nil {
			return
		}

		sel := r.balancer.Select(balancer.SelectOptions{ExcludeIDs: excludeIDs})
		if sel.Account == nil {
			waitMsg = sel.ErrorMessage
			break
		}
		accountID := sel.Account.AccountID

		acct, err := r.store.GetAccount(ctx, accountID)
		if err != nil || acct == nil {
			slog.Warn("selected account not readable", "accountId", accountID, "error", err)
			excludeIDs = append(excludeIDs, accountID)
			continue
		}

		acct, err = r.accounts.EnsureFresh(ctx, acct, false)
		if err != nil {
			r.settleRefreshError(ctx, accountID, err)
			excludeIDs = append(excludeIDs, accountID)
			continue
		}

		resp, err := r.dispatch(ctx, req, acct, body)
		if err != nil {
			slog.Error("upstream request failed", "accountId", accountID, "error", err)
			r.settleRefreshError(ctx, accountID, err)
			excludeIDs = append(excludeIDs, accountID)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			r.balancer.MarkSuccess(accountID)
			r.respond(ctx, w, resp, accountID, model, mode)
			return
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cls := Classify(resp.StatusCode, errBody)
		slog.Warn("upstream error",
			"accountId", accountID, "status", cls.Status, "code", cls.Code,
			"body", truncate(string(errBody), 500))

		switch {
		case cls.QuotaExhausted():
			r.balancer.HandleQuotaExceeded(accountID, cls.Hint())
		case cls.RateLimited():
			r.balancer.HandleRateLimit(accountID, cls.Hint())
		case cls.Permanent():
			r.balancer.HandlePermanentFailure(ctx, accountID, cls.Code)
		case cls.Transient():
			r.balancer.MarkTransientError(accountID)
		case cls.Status == http.StatusUnauthorized:
			// dispatch already spent the one forced refresh.
			r.balancer.MarkTransientError(accountID)
		default:
			// Client-shaped errors are not the account's fault; surface
			// them without burning the retry budget.
			attachUsageHeaders(ctx, w.Header(), r.store, accountID)
			writeUpstreamError(w, cls)
			return
		}
		excludeIDs = append(excludeIDs, accountID)
		lastErr = cls
		lastAccountID = accountID
	}

	if lastErr != nil {
		if lastAccountID != "" {
			attachUsageHeaders(ctx, w.Header(), r.store, lastAccountID)
		}
		writeUpstreamError(w, lastErr)
		return
	}
	if waitMsg == "" {
		waitMsg = "no accounts available"
	}
	writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", waitMsg)
}

// dispatch sends the request upstream. A 401 earns one forced token refresh
// and one retry on the same account; the second answer stands.
func (r *Router) dispatch(ctx context.Context, req *http.Request, acct *store.Account, body []byte) (*http.Response, error) {
	refreshed := false
	for {
		resp, err := r.send(ctx, req, acct, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || refreshed {
			return resp, nil
		}
		resp.Body.Close()
		refreshed = true

		fresh, err := r.accounts.EnsureFresh(ctx, acct, true)
		if err != nil {
			return nil, err
		}
		acct = fresh
		slog.Info("retrying after forced refresh", "accountId", acct.ID)
	}
}

func (r *Router) send(ctx context.Context, req *http.Request, acct *store.Account, body []byte) (*http.Response, error) {
	accessToken, err := r.crypto.Decrypt(acct.AccessTokenEnc)
	if err != nil {
		return nil, err
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.UpstreamAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Accept", "text/event-stream")
	upReq.Header.Set("Authorization", "Bearer "+accessToken)
	if wsID := account.HeaderWorkspaceID(acct.WorkspaceID); wsID != "" {
		upReq.Header.Set("chatgpt-account-id", wsID)
	}
	if v := req.Header.Get("Codex-Version"); v != "" {
		upReq.Header.Set("Codex-Version", v)
	}
	if id := reqid.From(ctx); id != "" {
		upReq.Header.Set(reqid.Header, id)
	}

	client, err := r.transport.Client(acct)
	if err != nil {
		return nil, err
	}
	return client.Do(upReq)
}

// settleRefreshError maps a token-refresh or network failure onto the
// balancer: permanent OAuth rejections deactivate the account, everything
// else counts as a transient error.
func (r *Router) settleRefreshError(ctx context.Context, accountID string, err error) {
	var oauthErr *account.OAuthError
	if errors.As(err, &oauthErr) {
		if _, permanent := balancer.PermanentFailureReasons[oauthErr.Code]; permanent {
			r.balancer.HandlePermanentFailure(ctx, accountID, oauthErr.Code)
			return
		}
	}
	slog.Warn("account unavailable for dispatch", "accountId", accountID, "error", err)
	r.balancer.MarkTransientError(accountID)
}

func (r *Router) respond(ctx context.Context, w http.ResponseWriter, resp *http.Response, accountID, model string, mode proxyMode) {
	defer resp.Body.Close()
	attachUsageHeaders(ctx, w.Header(), r.store, accountID)

	switch mode {
	case modeChatStream:
		r.streamChat(ctx, w, resp, model)
	case modeChatCollect:
		r.collectChat(w, resp, model)
	default:
		r.streamPassthrough(ctx, w, resp)
	}
}

func (r *Router) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	req.Body = http.MaxBytesReader(w, req.Body, int64(r.cfg.MaxRequestBodyMB)<<20)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeRequestError(w http.ResponseWriter, err error) {
	var reqErr *translator.RequestError
	if errors.As(err, &reqErr) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", reqErr.Message)
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
}

func writeUpstreamError(w http.ResponseWriter, cls *UpstreamError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(cls.Status)
	w.Write(cls.Body())
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": msg, "type": errType},
	})
	w.Write(data)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
