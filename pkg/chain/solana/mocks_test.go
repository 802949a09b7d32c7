package solana

import (
	"context"
	"errors"
)

// MockRPC implements RPC with swappable behavior.
type MockRPC struct {
	SubmitTransactionFunc func(ctx context.Context, signedTx []byte) (string, error)
	ReadAccountFunc       func(ctx context.Context, address string) ([]byte, error)
	TokenBalanceFunc      func(ctx context.Context, tokenAccount string) (uint64, error)
}

func (m *MockRPC) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	if m.SubmitTransactionFunc != nil {
		return m.SubmitTransactionFunc(ctx, signedTx)
	}
	return "sig-default", nil
}

func (m *MockRPC) ReadAccount(ctx context.Context, address string) ([]byte, error) {
	if m.ReadAccountFunc != nil {
		return m.ReadAccountFunc(ctx, address)
	}
	return nil, errors.New("no account")
}

func (m *MockRPC) TokenBalance(ctx context.Context, tokenAccount string) (uint64, error) {
	if m.TokenBalanceFunc != nil {
		return m.TokenBalanceFunc(ctx, tokenAccount)
	}
	return 0, nil
}

// MockSigner signs by echoing the payload with a marker prefix.
type MockSigner struct {
	SignFunc func(payload []byte) ([]byte, error)
	Addr     string
}

func (m *MockSigner) Sign(payload []byte) ([]byte, error) {
	if m.SignFunc != nil {
		return m.SignFunc(payload)
	}
	return append([]byte("signed:"), payload...), nil
}

func (m *MockSigner) Address() string { return m.Addr }
