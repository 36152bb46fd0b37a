package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestIssueAndValidateToken(t *testing.T) {
	token, err := IssueToken(testSecret, "ci-runner", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestValidateTokenRejects(t *testing.T) {
	good, err := IssueToken(testSecret, "a", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "a", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"empty", testSecret, ""},
		{"garbage", testSecret, "not.a.token"},
		{"wrong secret", "other", good},
		{"expired", testSecret, expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.secret, tt.token)
			assert.Error(t, err)
		})
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken("", "a", 0)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	got, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "q", got)

	r.Header.Set("Authorization", "Bearer h")
	got, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "h", got, "header wins over query")

	r.Header.Set("Authorization", "Basic abc")
	_, err = TokenFromRequest(r)
	assert.Error(t, err)

	_, err = TokenFromRequest(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestJWTMiddleware(t *testing.T) {
	var subject string
	h := JWTMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken(testSecret, "dashboard", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "dashboard", subject)
}

func TestAuthenticator(t *testing.T) {
	check := Authenticator(testSecret)
	token, err := IssueToken(testSecret, "bot", 0)
	require.NoError(t, err)

	assert.NoError(t, check(httptest.NewRequest(http.MethodGet, "/ws?type=automation&token="+token, nil)))
	assert.Error(t, check(httptest.NewRequest(http.MethodGet, "/ws?type=automation", nil)))
}
