package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-manager/token/keys"
)

// TokenIntrospection is what the backend learns from a provider id-token.
// If Active is false the other fields may not be populated.
type TokenIntrospection struct {
	Active bool      `json:"active"`          // Signature, issuer, audience and expiry all check out
	Sub    string    `json:"sub,omitempty"`   // Provider's user ID
	Email  string    `json:"email,omitempty"` // Email the provider vouches for
	Name   string    `json:"name,omitempty"`  // Display name
	Iss    string    `json:"iss,omitempty"`   // Issuer of the token
	Exp    time.Time `json:"exp,omitempty"`   // Expiration
}

// Inspector checks id-tokens from one issuer for one audience.
type Inspector struct {
	issuer   string
	audience string
	signer   keys.Signer
	nowFunc  func() time.Time
}

func NewInspector(issuer, audience string, signer keys.Signer, nowFunc func() time.Time) *Inspector {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Inspector{
		issuer:   issuer,
		audience: audience,
		signer:   signer,
		nowFunc:  nowFunc,
	}
}

// Introspect validates rawToken. An inactive result carries the reason as err.
func (i *Inspector) Introspect(rawToken string) (*TokenIntrospection, error) {
	if strings.TrimSpace(rawToken) == "" {
		return &TokenIntrospection{Active: false}, errors.New("empty token")
	}

	claims := jwtlib.MapClaims{}
	token, err := jwtlib.ParseWithClaims(rawToken, claims, i.signer.GetVerificationKey,
		jwtlib.WithIssuer(i.issuer),
		jwtlib.WithAudience(i.audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(i.nowFunc),
	)
	if err != nil || !token.Valid {
		return &TokenIntrospection{Active: false}, err
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return &TokenIntrospection{Active: false}, errors.New("token missing exp claim")
	}
	if email == "" {
		return &TokenIntrospection{Active: false}, errors.New("token missing email claim")
	}

	return &TokenIntrospection{
		Active: true,
		Sub:    sub,
		Email:  strings.ToLower(email),
		Name:   name,
		Iss:    i.issuer,
		Exp:    exp.Time,
	}, nil
}
