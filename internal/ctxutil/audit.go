package ctxutil

import "context"

// AuditMeta carries request metadata for mutation audit entries.
type AuditMeta struct {
	RequestID  string
	ActorID    string
	ActorRole  string
	HTTPMethod string
	Endpoint   string
}

// WithAuditMeta returns a new context carrying m.
func WithAuditMeta(ctx context.Context, m AuditMeta) context.Context {
	return context.WithValue(ctx, keyAuditMeta, m)
}

// AuditMetaFromContext returns the audit metadata, or a zero value.
func AuditMetaFromContext(ctx context.Context) AuditMeta {
	m, _ := ctx.Value(keyAuditMeta).(AuditMeta)
	return m
}
