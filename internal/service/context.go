package service

import "context"

type contextKey string

const userKey contextKey = "user"

// UserInfo is the authenticated identity attached to a request.
type UserInfo struct {
	UserID string
	Name   string
	Role   string
}

// WithUser injects the user identity into the context
func WithUser(ctx context.Context, u *UserInfo) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUserInfo retrieves the user identity from the context
func GetUserInfo(ctx context.Context) *UserInfo {
	val, ok := ctx.Value(userKey).(*UserInfo)
	if !ok {
		return nil
	}
	return val
}
