package goAuthClient

import "context"

type userContextKey struct{}

// WithUser attaches a copy of user to ctx. Route guards use it to hand the
// signed-in user to handlers.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user.Clone())
}

// UserFromContext returns the user attached by WithUser.
func UserFromContext(ctx context.Context) (*User, bool) {
	if ctx == nil {
		return nil, false
	}

	user, _ := ctx.Value(userContextKey{}).(*User)
	if user == nil {
		return nil, false
	}

	return user, true
}
