// Package service contains the session, identity and report-ledger services.
package service

import (
	"context"
)

type ctxKey string

const (
	remoteIPKey  ctxKey = "rk.remoteIP"
	principalKey ctxKey = "rk.principal"
)

// WithRemoteIP stores the caller's network address in context; limiters key on it.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, remoteIPKey, ip)
}

// RemoteIPFromCtx fetches the caller's address, or "" when unknown.
func RemoteIPFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(remoteIPKey).(string)
	return v
}

// WithPrincipal stores the authorized caller in context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromCtx fetches the authorized caller from context.
func PrincipalFromCtx(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
