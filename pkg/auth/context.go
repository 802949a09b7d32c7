package auth

import (
	"context"
)

type contextKey string

const (
	// ContextKeyWalletAddress is the context key for the authenticated
	// wallet address.
	ContextKeyWalletAddress contextKey = "wallet_address"
	// ContextKeyRole is the context key for the caller's declared role.
	ContextKeyRole contextKey = "role"
)

// WithCaller adds the authenticated caller to the context.
func WithCaller(ctx context.Context, walletAddress, role string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyWalletAddress, walletAddress)
	return context.WithValue(ctx, ContextKeyRole, role)
}

// WalletAddressFromContext retrieves the authenticated wallet address.
func WalletAddressFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(ContextKeyWalletAddress).(string)
	return addr, ok
}

// RoleFromContext retrieves the caller's declared role.
func RoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(ContextKeyRole).(string)
	return role, ok
}
