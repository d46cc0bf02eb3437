// Package auth turns bearer credentials into principals.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (models.Principal, error)
}

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWT issues and verifies HS256 tokens whose subject is the principal id.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret, issuer string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (j *JWT) Issue(p models.Principal) (string, error) {
	if p.ID == "" || !validRole(p.Role) {
		return "", fmt.Errorf("principal %+v: %w", p, errs.ErrInvalidInput)
	}
	now := j.now()
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWT) Authenticate(_ context.Context, credential string) (models.Principal, error) {
	if credential == "" {
		return models.Principal{}, fmt.Errorf("missing token: %w", errs.ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", errs.ErrUnauthenticated, err)
	}
	if claims.Subject == "" || !validRole(claims.Role) {
		return models.Principal{}, fmt.Errorf("token claims: %w", errs.ErrUnauthenticated)
	}
	return models.Principal{ID: claims.Subject, Role: claims.Role}, nil
}

func validRole(r models.Role) bool {
	switch r {
	case models.RoleRider, models.RoleDriver, models.RoleSystem:
		return true
	}
	return false
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(models.Principal)
	return p, ok
}
