package eventing

import "context"

type envelopeKey struct{}

type metaKey struct{}

// WithEnvelope marks ctx as the delivery of env. Subscribers read the event id
// from it for idempotency.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope being delivered, if any.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}

// WithMeta sets envelope overrides for events published under ctx.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// ContextMeta returns the overrides set with WithMeta, defaulting the tenant.
func ContextMeta(ctx context.Context, defaultTenantID string) Meta {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	if meta.TenantID == "" {
		meta.TenantID = defaultTenantID
	}
	return meta
}
