package kit

import "context"

// Meta describes where a request came from. It travels in the context so
// endpoints and the Logging middleware see it regardless of transport.
type Meta struct {
	Transport string // "http" or "mcp"
	RequestID string
	SessionID string
}

type metaKey struct{}

// MetaFrom returns the request metadata, zero when none was set.
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}

func withMeta(ctx context.Context, edit func(*Meta)) context.Context {
	m := MetaFrom(ctx)
	edit(&m)
	return context.WithValue(ctx, metaKey{}, m)
}

func WithTransport(ctx context.Context, t string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.Transport = t })
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if t := MetaFrom(ctx).Transport; t != "" {
		return t
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.RequestID = id })
}

func GetRequestID(ctx context.Context) string { return MetaFrom(ctx).RequestID }

func WithSessionID(ctx context.Context, id string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.SessionID = id })
}

func GetSessionID(ctx context.Context) string { return MetaFrom(ctx).SessionID }
