// Package capture turns local writes into changelog entries. Writes made
// while applying a peer's change are marked on the context and skipped, so
// a change never echoes back to the node it came from.
package capture

import "context"

type remoteKey struct{}

// FromRemote marks ctx as carrying a write that originated on a peer.
func FromRemote(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteKey{}, true)
}

// IsRemote reports whether ctx was marked by FromRemote.
func IsRemote(ctx context.Context) bool {
	v, _ := ctx.Value(remoteKey{}).(bool)
	return v
}
