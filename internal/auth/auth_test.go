package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	s := NewService(secret)

	token, err := s.GenerateAccessToken("u1", "a@example.com", RoleArtist, 0)
	require.NoError(t, err)

	claims, err := s.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, RoleArtist, claims.Role)
	assert.Equal(t, "openmusicplayer", claims.Issuer)
}

func TestValidateAccessToken_Errors(t *testing.T) {
	s := NewService(secret)

	expired := NewService(secret)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.GenerateAccessToken("u1", "", RoleArtist, time.Minute)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(old)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other, err := NewService("other-secret").GenerateAccessToken("u1", "", RoleArtist, 0)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateAccessToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func protected(s *Service, roles ...string) http.Handler {
	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		w.Write([]byte(user.UserID))
	}))
	if len(roles) > 0 {
		h = RequireRole(roles...)(h)
	}
	return Middleware(s)(h)
}

func TestMiddleware(t *testing.T) {
	s := NewService(secret)
	artistToken, err := s.GenerateAccessToken("artist-1", "", RoleArtist, 0)
	require.NoError(t, err)
	listenerToken, err := s.GenerateAccessToken("listener-1", "", RoleListener, 0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		roles  []string
		status int
		body   string
	}{
		{"missing header", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Basic abc", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", "Bearer nope", nil, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"valid", "Bearer " + listenerToken, nil, http.StatusOK, "listener-1"},
		{"role allowed", "Bearer " + artistToken, []string{RoleArtist, RoleAdmin}, http.StatusOK, "artist-1"},
		{"role refused", "Bearer " + listenerToken, []string{RoleArtist, RoleAdmin}, http.StatusForbidden, "FORBIDDEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected(s, tt.roles...).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestRequireRole_WithoutAuthentication(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireRole(RoleArtist)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
