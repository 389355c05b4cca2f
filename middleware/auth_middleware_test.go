package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "gateway-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator(HMACValidatorConfig{Secret: testSecret, Issuer: "gateway-test"})
	ctx := context.Background()

	expired := validClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExpiry := validClaims("u1")
	noExpiry.ExpiresAt = nil

	wrongIssuer := validClaims("u1")
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name    string
		token   string
		wantErr error
		wantSub string
	}{
		{
			name:    "valid token",
			token:   signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("user-123")),
			wantSub: "user-123",
		},
		{
			name:    "expired token",
			token:   signToken(t, jwt.SigningMethodHS256, testSecret, expired),
			wantErr: ErrTokenExpired,
		},
		{
			name:    "missing expiry",
			token:   signToken(t, jwt.SigningMethodHS256, testSecret, noExpiry),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong secret",
			token:   signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("u1")),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong algorithm",
			token:   signToken(t, jwt.SigningMethodHS512, testSecret, validClaims("u1")),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong issuer",
			token:   signToken(t, jwt.SigningMethodHS256, testSecret, wrongIssuer),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no subject",
			token:   signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("")),
			wantErr: ErrMissingUser,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.ValidateToken(ctx, tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
		})
	}
}

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token sets the user id", func(t *testing.T) {
		validator := new(MockTokenValidator)
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"}}
		validator.On("ValidateToken", mock.Anything, "valid-token").Return(claims, nil)

		var seen string
		handler := NewAuthMiddleware(validator, logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetUserIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-123", seen)
		validator.AssertExpectations(t)
	})

	t.Run("rejected token", func(t *testing.T) {
		validator := new(MockTokenValidator)
		validator.On("ValidateToken", mock.Anything, "bad").Return(nil, errors.New("bad signature"))

		handler := NewAuthMiddleware(validator, logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("next handler must not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer bad")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	for _, header := range []string{"", "Basic abc", "Bearer", "token-without-scheme"} {
		t.Run("malformed header "+header, func(t *testing.T) {
			validator := new(MockTokenValidator)
			handler := NewAuthMiddleware(validator, logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("next handler must not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			validator.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
		})
	}

	t.Run("end to end with HMAC validator", func(t *testing.T) {
		v := NewHMACValidator(HMACValidatorConfig{Secret: testSecret})
		handler := NewAuthMiddleware(v, logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(GetUserIDFromContext(r.Context())))
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("alice")))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alice", w.Body.String())
	})
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Empty(t, GetRequestIDFromContext(context.Background()))
	ctx := context.WithValue(context.Background(), chimw.RequestIDKey, "abc")
	assert.Equal(t, "abc", GetRequestIDFromContext(ctx))
}
