// Package solana implements the account-model chain adapter. Escrows live in
// program-derived accounts keyed by (escrowID, tradeID); every companion
// account (token vault, dispute bonds) is derived, never stored.
package solana

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// RPC is the read/submit boundary the adapter needs from a node. Submission
// failures caused by the program are reported as *ProgramError; everything
// else is treated as transport.
type RPC interface {
	SubmitTransaction(ctx context.Context, signedTx []byte) (string, error)
	ReadAccount(ctx context.Context, address string) ([]byte, error)
	TokenBalance(ctx context.Context, tokenAccount string) (uint64, error)
}

// Adapter translates the chain-agnostic escrow operations into escrow program
// instructions.
type Adapter struct {
	programID [32]byte
	rpc       RPC
	signer    chain.Signer
	logger    *zap.Logger
}

type settings struct {
	logger     *zap.Logger
	commitment string
}

// Option configures the adapter or RPC client.
type Option func(*settings)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithCommitment sets the confirmation level the RPC client requests
// (processed, confirmed, finalized). Defaults to confirmed.
func WithCommitment(level string) Option {
	return func(s *settings) { s.commitment = level }
}

// NewAdapter creates an adapter bound to one escrow program deployment.
func NewAdapter(programID string, rpc RPC, signer chain.Signer, opts ...Option) (*Adapter, error) {
	pid, err := ParseAddress(programID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return &Adapter{programID: pid, rpc: rpc, signer: signer, logger: s.logger}, nil
}

// Name implements chain.Adapter.
func (a *Adapter) Name() string { return "solana" }

func (a *Adapter) submit(ctx context.Context, op string, accounts [][32]byte, data []byte) (string, error) {
	payload := message(a.programID, accounts, data)
	signed, err := a.signer.Sign(payload)
	if err != nil {
		return "", escrow.WrapComm(err, "sign %s", op)
	}
	sig, err := a.rpc.SubmitTransaction(ctx, signed)
	if err != nil {
		return "", mapError(err, op)
	}
	a.logger.Debug("instruction confirmed",
		zap.String("instruction", op),
		zap.String("signature", sig))
	return sig, nil
}

func (a *Adapter) accountsFor(p chain.OpParams, extra ...string) ([][32]byte, [32]byte, error) {
	authority, err := ParseAddress(p.Authority)
	if err != nil {
		return nil, [32]byte{}, escrow.NewError(escrow.KindUnauthorized, "bad authority address: %v", err)
	}
	escrowAddr := EscrowAddress(a.programID, p.EscrowID, p.TradeID)
	accounts := [][32]byte{authority, escrowAddr}
	for _, addr := range extra {
		parsed, perr := ParseAddress(addr)
		if perr != nil {
			return nil, [32]byte{}, escrow.NewError(escrow.KindInvalidState, "bad account address: %v", perr)
		}
		accounts = append(accounts, parsed)
	}
	return accounts, escrowAddr, nil
}

// CreateEscrow implements chain.Adapter. The caller-provided escrow id seeds
// the account derivation, so it is echoed back in the result.
func (a *Adapter) CreateEscrow(ctx context.Context, p chain.CreateParams) (*chain.TxResult, error) {
	seller, err := ParseAddress(p.Seller)
	if err != nil {
		return nil, escrow.NewError(escrow.KindUnauthorized, "bad seller address: %v", err)
	}
	buyer, err := ParseAddress(p.Buyer)
	if err != nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "bad buyer address: %v", err)
	}
	arbitrator, err := ParseAddress(p.Arbitrator)
	if err != nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "bad arbitrator address: %v", err)
	}

	var seqAddr [32]byte
	if p.Sequential {
		if p.SequentialAddress == "" {
			return nil, escrow.NewError(escrow.KindMissingSequentialAddress,
				"sequential escrow requires a sequential address")
		}
		if seqAddr, err = ParseAddress(p.SequentialAddress); err != nil {
			return nil, escrow.NewError(escrow.KindMissingSequentialAddress, "bad sequential address: %v", err)
		}
	}

	escrowAddr := EscrowAddress(a.programID, p.EscrowID, p.TradeID)
	data := newIx(ixCreateEscrow).
		u64(p.EscrowID).
		u64(p.TradeID).
		u64(p.Amount).
		boolean(p.Sequential).
		optPubkey(p.Sequential, seqAddr).
		i64(p.DepositDeadline.Unix()).
		i64(p.FiatDeadline.Unix()).
		data()

	sig, err := a.submit(ctx, ixCreateEscrow, [][32]byte{seller, buyer, arbitrator, escrowAddr}, data)
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateCreated,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// FundEscrow implements chain.Adapter.
func (a *Adapter) FundEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	accounts, escrowAddr, err := a.accountsFor(p)
	if err != nil {
		return nil, err
	}
	accounts = append(accounts, TokenAccountAddress(a.programID, escrowAddr))

	sig, err := a.submit(ctx, ixFundEscrow, accounts, newIx(ixFundEscrow).data())
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateFunded,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// MarkFiatPaid implements chain.Adapter.
func (a *Adapter) MarkFiatPaid(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	accounts, _, err := a.accountsFor(p)
	if err != nil {
		return nil, err
	}
	sig, err := a.submit(ctx, ixMarkFiatPaid, accounts, newIx(ixMarkFiatPaid).data())
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateFunded,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// ReleaseEscrow implements chain.Adapter.
func (a *Adapter) ReleaseEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	accounts, escrowAddr, err := a.accountsFor(p)
	if err != nil {
		return nil, err
	}
	accounts = append(accounts, TokenAccountAddress(a.programID, escrowAddr))

	sig, err := a.submit(ctx, ixReleaseEscrow, accounts, newIx(ixReleaseEscrow).data())
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateReleased,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// CancelEscrow implements chain.Adapter.
func (a *Adapter) CancelEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.cancel(ctx, ixCancelEscrow, p)
}

// AutoCancel implements chain.Adapter. Arbitrator-only; the program enforces
// that the relevant deadline has actually lapsed on-chain.
func (a *Adapter) AutoCancel(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.cancel(ctx, ixAutoCancel, p)
}

func (a *Adapter) cancel(ctx context.Context, ix string, p chain.OpParams) (*chain.TxResult, error) {
	accounts, escrowAddr, err := a.accountsFor(p)
	if err != nil {
		return nil, err
	}
	accounts = append(accounts, TokenAccountAddress(a.programID, escrowAddr))

	sig, err := a.submit(ctx, ix, accounts, newIx(ix).data())
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateCancelled,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// UpdateSequentialAddress implements chain.Adapter. Buyer-only on-chain.
func (a *Adapter) UpdateSequentialAddress(ctx context.Context, p chain.OpParams, newAddress string) (*chain.TxResult, error) {
	addr, err := ParseAddress(newAddress)
	if err != nil {
		return nil, escrow.NewError(escrow.KindMissingSequentialAddress, "bad sequential address: %v", err)
	}
	accounts, _, err := a.accountsFor(p)
	if err != nil {
		return nil, err
	}

	data := newIx(ixUpdateSequentialAddress).bytes32(addr).data()
	sig, err := a.submit(ctx, ixUpdateSequentialAddress, accounts, data)
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{TxReference: sig, EscrowID: p.EscrowID, SubmittedAt: time.Now().UTC()}, nil
}

// OpenDispute implements chain.Adapter. The bond account for the initiating
// party is derived here; the program verifies the bond amount exactly.
func (a *Adapter) OpenDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	return a.disputeSubmission(ctx, ixOpenDispute, p)
}

// RespondToDispute implements chain.Adapter.
func (a *Adapter) RespondToDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	return a.disputeSubmission(ctx, ixRespondToDispute, p)
}

func (a *Adapter) disputeSubmission(ctx context.Context, ix string, p chain.DisputeParams) (*chain.TxResult, error) {
	accounts, escrowAddr, err := a.accountsFor(p.OpParams)
	if err != nil {
		return nil, err
	}

	// The program decides which bond slot applies from the authority; both
	// derived bond accounts ride along.
	accounts = append(accounts,
		BondAccountAddress(a.programID, escrowAddr, true),
		BondAccountAddress(a.programID, escrowAddr, false))

	data := newIx(ix).bytes32(p.EvidenceHash).u64(p.BondAmount).data()
	sig, err := a.submit(ctx, ix, accounts, data)
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateDisputed,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// ResolveDispute implements chain.Adapter.
func (a *Adapter) ResolveDispute(ctx context.Context, p chain.ResolveParams) (*chain.TxResult, error) {
	accounts, escrowAddr, err := a.accountsFor(p.OpParams)
	if err != nil {
		return nil, err
	}
	accounts = append(accounts,
		TokenAccountAddress(a.programID, escrowAddr),
		BondAccountAddress(a.programID, escrowAddr, true),
		BondAccountAddress(a.programID, escrowAddr, false))

	data := newIx(ixResolveDispute).boolean(p.BuyerWins).bytes32(p.ResolutionHash).data()
	sig, err := a.submit(ctx, ixResolveDispute, accounts, data)
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateResolved,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// DefaultJudgment implements chain.Adapter.
func (a *Adapter) DefaultJudgment(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	accounts, escrowAddr, err := a.accountsFor(p)
	if err != nil {
		return nil, err
	}
	accounts = append(accounts,
		TokenAccountAddress(a.programID, escrowAddr),
		BondAccountAddress(a.programID, escrowAddr, true),
		BondAccountAddress(a.programID, escrowAddr, false))

	sig, err := a.submit(ctx, ixDefaultJudgment, accounts, newIx(ixDefaultJudgment).data())
	if err != nil {
		return nil, err
	}
	return &chain.TxResult{
		TxReference:    sig,
		EscrowID:       p.EscrowID,
		ConfirmedState: escrow.StateResolved,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// ReadEscrow implements chain.Adapter.
func (a *Adapter) ReadEscrow(ctx context.Context, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	addr := FormatAddress(EscrowAddress(a.programID, escrowID, tradeID))
	raw, err := a.rpc.ReadAccount(ctx, addr)
	if err != nil {
		return nil, mapError(err, "read escrow account")
	}
	e, err := DecodeEscrowAccount(raw)
	if err != nil {
		return nil, escrow.WrapComm(err, "read escrow account %s", addr)
	}
	return e, nil
}

// GetTokenBalance implements chain.Adapter.
func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (uint64, error) {
	if _, err := ParseAddress(address); err != nil {
		return 0, escrow.NewError(escrow.KindInvalidState, "bad token account address: %v", err)
	}
	bal, err := a.rpc.TokenBalance(ctx, address)
	if err != nil {
		return 0, mapError(err, "token balance")
	}
	return bal, nil
}
