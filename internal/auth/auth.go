// Package auth resolves the caller of a request to a Principal, either from
// an HS256 bearer token or from a static API key.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shehryarbajwa/webgrab/internal/config"
)

var (
	ErrNoCredentials = errors.New("no credentials provided")
	ErrInvalidToken  = errors.New("invalid authentication token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrUnknownKey    = errors.New("unknown API key")
)

// DefaultPlan applies when a token or key names no plan.
const DefaultPlan = "free"

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"userId"`
	Plan   string `json:"plan"`
}

// Claims are the JWT claims of a user token.
type Claims struct {
	Plan string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	keys   []config.APIKey
	now    func() time.Time
}

// New creates an authenticator. An empty secret disables bearer tokens.
func New(secret string, keys []config.APIKey) *Authenticator {
	return &Authenticator{secret: []byte(secret), keys: keys, now: time.Now}
}

// MintToken signs a token for userID valid for ttl.
func (a *Authenticator) MintToken(userID, plan string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("no signing secret configured")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := a.now()
	claims := &Claims{
		Plan: plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks the signature and expiry of a bearer token.
func (a *Authenticator) ValidateToken(tokenString string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Plan: planOrDefault(claims.Plan)}, nil
}

// LookupKey resolves a static API key.
func (a *Authenticator) LookupKey(key string) (Principal, error) {
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
			return Principal{UserID: k.UserID, Plan: planOrDefault(k.Plan)}, nil
		}
	}
	return Principal{}, ErrUnknownKey
}

// Authenticate reads X-API-Key or an Authorization bearer credential. A
// bearer value that is not a JWT is tried as an API key.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return a.LookupKey(key)
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, ErrNoCredentials
	}
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(credential) == "" {
		return Principal{}, ErrInvalidToken
	}
	credential = strings.TrimSpace(credential)
	if strings.Count(credential, ".") == 2 {
		return a.ValidateToken(credential)
	}
	return a.LookupKey(credential)
}

func planOrDefault(plan string) string {
	if plan == "" {
		return DefaultPlan
	}
	return plan
}

type contextKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
