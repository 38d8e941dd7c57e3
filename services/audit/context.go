package audit

import "context"

type requestMetaKey struct{}

// RequestMeta is the request information stamped onto audit entries
type RequestMeta struct {
	RequestID string
	IPAddress string
}

// ContextWithRequest attaches request metadata for entries logged under ctx
func ContextWithRequest(ctx context.Context, requestID, ipAddress string) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, RequestMeta{RequestID: requestID, IPAddress: ipAddress})
}

// RequestFromContext returns the request metadata attached to ctx, if any
func RequestFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}
