package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webgrab/internal/config"
)

func newAuth() *Authenticator {
	return New("test-secret", []config.APIKey{
		{Key: "key-pro", UserID: "alice", Plan: "pro"},
		{Key: "key-free", UserID: "bob"},
	})
}

func TestTokenRoundTrip(t *testing.T) {
	a := newAuth()
	token, err := a.MintToken("carol", "pro", time.Hour)
	require.NoError(t, err)

	p, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "carol", Plan: "pro"}, p)
}

func TestExpiredToken(t *testing.T) {
	a := newAuth()
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := a.MintToken("carol", "", time.Hour)
	require.NoError(t, err)

	a.now = time.Now
	_, err = a.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenSignedWithOtherSecret(t *testing.T) {
	token, err := New("other-secret", nil).MintToken("mallory", "pro", time.Hour)
	require.NoError(t, err)

	_, err = newAuth().ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUnsignedTokenRejected(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newAuth().ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate(t *testing.T) {
	a := newAuth()
	token, err := a.MintToken("carol", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		want    Principal
		wantErr error
	}{
		{"api key header", map[string]string{"X-API-Key": "key-pro"}, Principal{"alice", "pro"}, nil},
		{"api key defaults plan", map[string]string{"X-API-Key": "key-free"}, Principal{"bob", DefaultPlan}, nil},
		{"bearer jwt", map[string]string{"Authorization": "Bearer " + token}, Principal{"carol", DefaultPlan}, nil},
		{"bearer api key", map[string]string{"Authorization": "bearer key-pro"}, Principal{"alice", "pro"}, nil},
		{"unknown key", map[string]string{"X-API-Key": "nope"}, Principal{}, ErrUnknownKey},
		{"basic auth", map[string]string{"Authorization": "Basic abc"}, Principal{}, ErrInvalidToken},
		{"nothing", nil, Principal{}, ErrNoCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/credits", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, err := a.Authenticate(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMintRequiresSecret(t *testing.T) {
	_, err := New("", nil).MintToken("carol", "", time.Hour)
	assert.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1", Plan: "pro"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
}
