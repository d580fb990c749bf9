// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is stamped into every minted token and enforced on validation.
const tokenIssuer = "agromonitor"

// JWTAuth mints and validates the HS256 bearer tokens field devices sync
// with. A token binds a data owner (sub) to the capturing device (did); both
// claims are mandatory.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a token authority over a shared signing secret.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// OwnerClaims is the claim set carried by a device token.
type OwnerClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token scoping deviceID's writes to ownerID's data.
func (j *JWTAuth) GenerateToken(ownerID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &OwnerClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	})
	return token.SignedString(j.secret)
}

// ValidateToken checks signature, algorithm, issuer, and lifetime, and
// rejects tokens that do not name both an owner and a device.
func (j *JWTAuth) ValidateToken(tokenString string) (*OwnerClaims, error) {
	var claims OwnerClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token names no data owner")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("token names no capturing device")
	}
	return &claims, nil
}

// Authenticator extracts owner and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both
// identifiers.
type Authenticator interface {
	OwnerID(r *http.Request) (string, error)
	DeviceID(r *http.Request) (string, error)
}

// BearerAuthenticator authenticates requests carrying a Bearer JWT.
type BearerAuthenticator struct {
	auth *JWTAuth
}

// NewBearerAuthenticator creates an Authenticator over a JWT validator.
func NewBearerAuthenticator(auth *JWTAuth) *BearerAuthenticator {
	return &BearerAuthenticator{auth: auth}
}

func (b *BearerAuthenticator) claims(r *http.Request) (*OwnerClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("malformed Authorization header")
	}
	return b.auth.ValidateToken(token)
}

// OwnerID returns the authenticated data-owner ID.
func (b *BearerAuthenticator) OwnerID(r *http.Request) (string, error) {
	claims, err := b.claims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// DeviceID returns the authenticated capturing-device ID.
func (b *BearerAuthenticator) DeviceID(r *http.Request) (string, error) {
	claims, err := b.claims(r)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}
