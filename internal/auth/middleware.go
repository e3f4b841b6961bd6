package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
)

type contextKey string

const UserContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
	Role   string
}

// HasRole reports whether the user holds any of roles.
func (u *UserContext) HasRole(roles ...string) bool {
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

// Authenticate resolves a bearer token into a UserContext.
func (s *Service) Authenticate(tokenString string) (*UserContext, error) {
	claims, err := s.ValidateAccessToken(tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperrors.TokenExpired()
		}
		return nil, apperrors.InvalidToken("invalid access token")
	}
	return &UserContext{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}

func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid authorization header format"))
				return
			}

			user, err := authService.Authenticate(parts[1])
			if err != nil {
				apperrors.WriteError(w, requestID, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireRole rejects authenticated users without one of roles. It must
// run after Middleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r.Context())
			if user == nil {
				apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.Unauthorized("authentication required"))
				return
			}
			if !user.HasRole(roles...) {
				apperrors.WriteError(w, apperrors.GetRequestID(r.Context()),
					apperrors.Forbidden("Artist account required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUserFromContext(ctx context.Context) *UserContext {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil
	}
	return user
}
