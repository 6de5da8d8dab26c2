// Package adminauth issues and verifies the bearer credentials used by
// administrative operations. Sessions are stateless signed tokens: validity
// is determined entirely by signature and expiry, so revocation before
// expiry is not supported.
package adminauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrExpired is returned for a structurally valid token past its expiry.
	ErrExpired = errors.New("session expired")
	// ErrInvalidToken is returned for tokens that fail signature or shape checks.
	ErrInvalidToken = errors.New("invalid session token")
)

const tokenType = "admin"

// Credentials is the process-configured admin identity. PasswordHash, when
// set, is a bcrypt hash and takes precedence over the plain Password.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

// Claims are the payload of an admin session token.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Issuer validates admin credentials and mints time-bounded session tokens
// signed with a process-wide secret.
type Issuer struct {
	creds  Credentials
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer for the given admin identity. Sessions live
// for ttl after issuance.
func NewIssuer(creds Credentials, secret string, ttl time.Duration) *Issuer {
	return &Issuer{creds: creds, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock replaces the issuer's clock. Intended for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue checks username and password against the configured identity and
// returns a signed session token. Both comparisons run in constant time.
func (i *Issuer) Issue(username, password string) (string, error) {
	if !i.authenticate(username, password) {
		return "", ErrInvalidCredentials
	}

	now := i.now()
	claims := Claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    "ocr-gateway",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Type != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) authenticate(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(i.creds.Username)) == 1

	var passOK bool
	switch {
	case i.creds.PasswordHash != "":
		passOK = bcrypt.CompareHashAndPassword([]byte(i.creds.PasswordHash), []byte(password)) == nil
	case i.creds.Password != "":
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(i.creds.Password)) == 1
	default:
		// No password configured means admin auth is disabled outright.
		passOK = false
	}

	return userOK && passOK
}

// HashPassword produces a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
