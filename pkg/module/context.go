package module

import "context"

// userKey is an unexported type so other packages cannot collide with the
// user-identity context key.
type userKey struct{}

// WithUser returns a context carrying the user identity on whose behalf an
// API call runs. Public API methods that act on per-user state read it back
// with UserFromContext.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext extracts the user identity from ctx, or "" when absent.
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userKey{}).(string); ok {
		return userID
	}

	return ""
}
