// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"context"

	coreactivity "github.com/juju/activityctl/core/activity"
)

// tokenKey is the context key under which the current activity's Token
// is stored. It is unexported so the only way in or out is through
// WithToken/TokenFromContext — the token rides the context explicitly,
// never thread-local state.
type tokenKey struct{}

// WithToken returns a copy of ctx carrying tok. The coordinator calls
// this once, right before invoking an activity body, so that any
// nested coordinator call the body makes can recover tok via
// TokenFromContext.
func WithToken(ctx context.Context, tok coreactivity.Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFromContext recovers the Token installed by WithToken, if any.
func TokenFromContext(ctx context.Context) (coreactivity.Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(coreactivity.Token)
	return tok, ok
}
