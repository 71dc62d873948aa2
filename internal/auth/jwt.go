// Package auth establishes the identity (user id and role) of a connecting
// client from a JWT verified against a JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when the request carries no token.
var ErrNoToken = errors.New("no token")

// Claims are the JWT claims accepted on connect.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Identity is who a connection acts as.
type Identity struct {
	UserID string
	Role   string
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// JWTValidator validates JWTs.
type JWTValidator struct {
	keyfunc     jwt.Keyfunc
	audience    string
	issuer      string
	defaultRole string
	cancel      context.CancelFunc
}

// NewJWTValidator creates a validator that fetches and caches keys from the
// JWKS endpoint.
func NewJWTValidator(jwksURL, issuer, audience, defaultRole string) (*JWTValidator, error) {
	// The context bounds the background JWKS refresh, so it lives until Close.
	ctx, cancel := context.WithCancel(context.Background())
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}
	v := NewJWTValidatorWithKeyfunc(k.Keyfunc, issuer, audience, defaultRole)
	v.cancel = cancel
	return v, nil
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

// NewJWTValidatorWithKeyfunc creates a validator around an existing key
// lookup.
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience, defaultRole string) *JWTValidator {
	return &JWTValidator{
		keyfunc:     kf,
		audience:    audience,
		issuer:      issuer,
		defaultRole: defaultRole,
	}
}

// Validate parses and checks a token.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// Authenticate reads the token from the "token" query parameter or a bearer
// Authorization header. Browsers cannot set headers on websocket upgrades,
// so the query parameter is checked first.
func (v *JWTValidator) Authenticate(r *http.Request) (Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return Identity{}, ErrNoToken
	}
	claims, err := v.Validate(token)
	if err != nil {
		return Identity{}, err
	}
	role := claims.Role
	if role == "" {
		role = v.defaultRole
	}
	return Identity{UserID: claims.Subject, Role: role}, nil
}

// Anonymous grants every request the same role. Used when auth is disabled.
type Anonymous struct {
	Role string
}

func (a Anonymous) Authenticate(r *http.Request) (Identity, error) {
	user := r.URL.Query().Get("user")
	if user == "" {
		user = "anonymous"
	}
	return Identity{UserID: user, Role: a.Role}, nil
}
