// Package reqid carries an opaque request id through context so upstream
// calls made on behalf of a downstream request can be correlated.
package reqid

import "context"

type ctxKey struct{}

const Header = "x-request-id"

func With(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

func From(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
