package httpserver

import (
	"context"

	"github.com/ledgergate/ledgergate/internal/account"
)

type contextKey int

const principalKey contextKey = iota

// principal is the authorized caller attached to a request.
type principal struct {
	acct       *account.Account
	credential string
}

func withPrincipal(ctx context.Context, acct *account.Account, credential string) context.Context {
	return context.WithValue(ctx, principalKey, principal{acct: acct, credential: credential})
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey).(principal)
	return p, ok
}
