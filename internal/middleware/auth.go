package middleware

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/coachledger/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for storing the authenticated staff ID.
	UserIDKey contextKey = "user_id"
	// RoleKey is the context key for storing the authenticated staff role.
	RoleKey contextKey = "role"
)

// JobSecretHeader carries the shared secret on job requests.
const JobSecretHeader = "X-Job-Secret"

// GetUserID extracts the user ID from the context.
// Returns empty string if not found.
func GetUserID(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}

// GetRole extracts the staff role from the context.
func GetRole(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}

// WithUser returns ctx carrying an authenticated staff member.
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, RoleKey, role)
}

// RequireAuth returns an interceptor that validates the bearer token and,
// when roles are given, requires the token's role to be one of them.
func RequireAuth(jwtManager *auth.JWTManager, roles ...string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			authHeader := req.Header().Get("Authorization")
			if authHeader == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
			}

			claims, err := jwtManager.Validate(parts[1])
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			if !auth.Allowed(claims.Role, roles) {
				return nil, connect.NewError(connect.CodePermissionDenied, auth.ErrForbidden)
			}

			return next(WithUser(ctx, claims.UserID, claims.Role), req)
		}
	}
}

// RequireJobSecret rejects requests whose X-Job-Secret header does not match.
// A nil verifier lets every request through.
func RequireJobSecret(verifier *auth.SecretVerifier, next http.Handler) http.Handler {
	if verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := verifier.Verify(r.Header.Get(JobSecretHeader)); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
