package model

import (
	"context"
	"errors"
)

// RequestContext carries the verified operator identity and tracing
// information for the lifetime of a request. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	OperatorID    string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that the operator identity is present.
func (rc *RequestContext) Validate() error {
	if rc.OperatorID == "" {
		return errors.New("OperatorID is required")
	}
	return nil
}

// HasRole returns true if the operator holds the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
