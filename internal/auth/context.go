// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller through request contexts.
package auth

import "context"

type identityKey struct{}

// Identity is the authenticated caller of a fieldstore request: the data
// owner the request is scoped to and the capturing device presenting the
// token.
type Identity struct {
	OwnerID  string
	DeviceID string
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the caller identity, if any, from ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
