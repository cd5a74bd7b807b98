package privacyidea

import "context"

type clientIPContextKey struct{}
type nodeIDContextKey struct{}
type realmContextKey struct{}

// WithClientIP attaches the caller’s IP address to ctx. The Engine uses
// it as a policy match dimension and records it in audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithNodeID attaches the identifier of the serving node to ctx. In
// multi-node deployments policies can be restricted to specific nodes
// through the pinode match dimension.
func WithNodeID(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeIDContextKey{}, node)
}

// WithRealm attaches a default realm to ctx. It is used when a request
// names a user without a realm qualifier.
func WithRealm(ctx context.Context, realm string) context.Context {
	return context.WithValue(ctx, realmContextKey{}, realm)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func nodeIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	node, _ := ctx.Value(nodeIDContextKey{}).(string)
	return node
}

func realmFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	realm, _ := ctx.Value(realmContextKey{}).(string)
	return realm
}
