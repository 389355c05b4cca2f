package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Context key type to avoid collisions
type contextKey string

// UserIDKey is the context key for the authenticated user ID
const UserIDKey contextKey = "user_id"

// GetRequestIDFromContext returns the id set by chi's RequestID middleware, or ""
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetUserIDFromContext retrieves the user ID from context, or "" when unauthenticated
func GetUserIDFromContext(ctx context.Context) string {
	if val := ctx.Value(UserIDKey); val != nil {
		if userID, ok := val.(string); ok {
			return userID
		}
	}
	return ""
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
