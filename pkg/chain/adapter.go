// Package chain defines the boundary between the coordinator and one concrete
// blockchain. Each supported chain implements Adapter; everything above this
// package speaks only the chain-agnostic escrow vocabulary.
package chain

import (
	"context"
	"time"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// TxResult is the normalized outcome of a submitted transaction after the
// adapter has waited for finality.
type TxResult struct {
	// TxReference is the chain-native transaction identifier (signature on
	// account-model chains, transaction hash on contract-storage chains).
	TxReference string

	// EscrowID is populated on create, where contract-storage chains assign
	// the identifier themselves.
	EscrowID uint64

	// ConfirmedState is the escrow state confirmed by the transaction, when
	// the adapter can determine it without a second read.
	ConfirmedState escrow.State

	SubmittedAt time.Time
}

// Signer produces a signed transaction from an encoded payload. Key material
// lives entirely behind this interface; the coordinator never sees it.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	Address() string
}

// CreateParams carries everything needed to open a new escrow. EscrowID is
// honored by account-model chains, which derive the escrow account from it;
// contract-storage chains assign their own and report it in TxResult.
type CreateParams struct {
	EscrowID          uint64
	TradeID           uint64
	Seller            string
	Buyer             string
	Arbitrator        string
	Amount            uint64
	Sequential        bool
	SequentialAddress string
	DepositDeadline   time.Time
	FiatDeadline      time.Time
}

// OpParams identifies an existing escrow plus the address authorizing the
// operation. The adapter enforces nothing about Authority beyond passing it
// to the chain, which performs the authoritative check.
type OpParams struct {
	EscrowID  uint64
	TradeID   uint64
	Authority string
}

// DisputeParams extends OpParams with the bonded evidence submission used by
// open and respond.
type DisputeParams struct {
	OpParams
	EvidenceHash escrow.Hash
	BondAmount   uint64
}

// ResolveParams carries an arbitrator's dispute resolution.
type ResolveParams struct {
	OpParams
	BuyerWins      bool
	ResolutionHash escrow.Hash
}

// Adapter is the per-chain implementation of the escrow operation set. All
// mutating calls block until chain finality or ctx expiry; errors are mapped
// into the escrow taxonomy before they leave the adapter.
type Adapter interface {
	// Name identifies the chain for logs and metrics.
	Name() string

	CreateEscrow(ctx context.Context, p CreateParams) (*TxResult, error)
	FundEscrow(ctx context.Context, p OpParams) (*TxResult, error)
	MarkFiatPaid(ctx context.Context, p OpParams) (*TxResult, error)
	ReleaseEscrow(ctx context.Context, p OpParams) (*TxResult, error)
	CancelEscrow(ctx context.Context, p OpParams) (*TxResult, error)
	AutoCancel(ctx context.Context, p OpParams) (*TxResult, error)
	UpdateSequentialAddress(ctx context.Context, p OpParams, newAddress string) (*TxResult, error)

	OpenDispute(ctx context.Context, p DisputeParams) (*TxResult, error)
	RespondToDispute(ctx context.Context, p DisputeParams) (*TxResult, error)
	ResolveDispute(ctx context.Context, p ResolveParams) (*TxResult, error)
	DefaultJudgment(ctx context.Context, p OpParams) (*TxResult, error)

	ReadEscrow(ctx context.Context, escrowID, tradeID uint64) (*escrow.Escrow, error)
	GetTokenBalance(ctx context.Context, address string) (uint64, error)
}
