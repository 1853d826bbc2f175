// Package ctxutil carries the identity of the request or job being served through a context.
package ctxutil

import "context"

type scopeKey struct{}

// Scope identifies the unit of work a context belongs to. HTTP requests fill the trace, request and
// tenant ids; worker runs fill the trace, tenant and job ids.
type Scope struct {
	TraceID   string
	RequestID string
	TenantID  string
	JobID     string
}

func With(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// From returns the scope attached to ctx and whether there was one.
func From(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// WithTenant returns ctx with the tenant set, keeping any ids already in scope.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	s, _ := From(ctx)
	s.TenantID = tenantID
	return With(ctx, s)
}

func Tenant(ctx context.Context) string {
	s, _ := From(ctx)
	return s.TenantID
}

// LogFields renders the non-empty ids as logger key-value pairs.
func LogFields(ctx context.Context) []interface{} {
	s, ok := From(ctx)
	if !ok {
		return nil
	}
	var out []interface{}
	for _, kv := range [][2]string{
		{"trace_id", s.TraceID},
		{"request_id", s.RequestID},
		{"tenant_id", s.TenantID},
		{"job_id", s.JobID},
	} {
		if kv[1] != "" {
			out = append(out, kv[0], kv[1])
		}
	}
	return out
}
