// Package evm implements the contract-storage chain adapter. All escrows live
// inside one deployed contract, indexed by an id the contract assigns; the
// adapter packs calldata, submits through an externally signing backend, and
// decodes storage reads back into the domain record.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash common.Hash
	Logs   []types.Log
}

// Backend submits calldata through the signing collaborator and performs
// read-only calls. Reverts are reported as *RevertError.
type Backend interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Submit(ctx context.Context, to common.Address, data []byte) (*Receipt, error)
}

// Adapter translates the chain-agnostic escrow operations into contract calls.
type Adapter struct {
	contract common.Address
	token    common.Address
	backend  Backend
	abi      abi.ABI
	erc20    abi.ABI
	logger   *zap.Logger
}

type settings struct {
	logger *zap.Logger
}

// Option configures the adapter.
type Option func(*settings)

// WithLogger sets the adapter logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewAdapter creates an adapter bound to one escrow contract deployment and
// its settlement token.
func NewAdapter(contractAddr, tokenAddr string, backend Backend, opts ...Option) (*Adapter, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("bad contract address %q", contractAddr)
	}
	if !common.IsHexAddress(tokenAddr) {
		return nil, fmt.Errorf("bad token address %q", tokenAddr)
	}
	contractParsed, err := parseABI(escrowABI)
	if err != nil {
		return nil, err
	}
	erc20Parsed, err := parseABI(erc20ABI)
	if err != nil {
		return nil, err
	}
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return &Adapter{
		contract: common.HexToAddress(contractAddr),
		token:    common.HexToAddress(tokenAddr),
		backend:  backend,
		abi:      contractParsed,
		erc20:    erc20Parsed,
		logger:   s.logger,
	}, nil
}

// Name implements chain.Adapter.
func (a *Adapter) Name() string { return "evm" }

func (a *Adapter) submit(ctx context.Context, method string, confirmed escrow.State, args ...any) (*chain.TxResult, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "pack %s: %v", method, err)
	}
	receipt, err := a.backend.Submit(ctx, a.contract, data)
	if err != nil {
		return nil, mapError(err, method)
	}
	a.logger.Debug("contract call confirmed",
		zap.String("method", method),
		zap.String("tx", receipt.TxHash.Hex()))
	return &chain.TxResult{
		TxReference:    receipt.TxHash.Hex(),
		ConfirmedState: confirmed,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

// CreateEscrow implements chain.Adapter. The contract assigns the escrow id;
// it is recovered from the EscrowCreated event in the receipt. Deadlines are
// computed on-chain from the contract's configured windows, so the requested
// values are advisory here.
func (a *Adapter) CreateEscrow(ctx context.Context, p chain.CreateParams) (*chain.TxResult, error) {
	if p.Sequential && p.SequentialAddress == "" {
		return nil, escrow.NewError(escrow.KindMissingSequentialAddress,
			"sequential escrow requires a sequential address")
	}
	seqAddr := common.Address{} // zero address means no sequential leg
	if p.SequentialAddress != "" {
		if !common.IsHexAddress(p.SequentialAddress) {
			return nil, escrow.NewError(escrow.KindMissingSequentialAddress,
				"bad sequential address %q", p.SequentialAddress)
		}
		seqAddr = common.HexToAddress(p.SequentialAddress)
	}
	if !common.IsHexAddress(p.Buyer) {
		return nil, escrow.NewError(escrow.KindInvalidState, "bad buyer address %q", p.Buyer)
	}

	data, err := a.abi.Pack("createEscrow",
		new(big.Int).SetUint64(p.TradeID),
		common.HexToAddress(p.Buyer),
		new(big.Int).SetUint64(p.Amount),
		p.Sequential,
		seqAddr)
	if err != nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "pack createEscrow: %v", err)
	}

	receipt, err := a.backend.Submit(ctx, a.contract, data)
	if err != nil {
		return nil, mapError(err, "createEscrow")
	}

	escrowID, err := a.escrowIDFromLogs(receipt.Logs)
	if err != nil {
		return nil, escrow.WrapComm(err, "createEscrow confirmed but event missing (tx %s)", receipt.TxHash.Hex())
	}
	return &chain.TxResult{
		TxReference:    receipt.TxHash.Hex(),
		EscrowID:       escrowID,
		ConfirmedState: escrow.StateCreated,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) escrowIDFromLogs(logs []types.Log) (uint64, error) {
	created := a.abi.Events["EscrowCreated"]
	for _, l := range logs {
		if len(l.Topics) >= 2 && l.Topics[0] == created.ID {
			return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), nil
		}
	}
	return 0, fmt.Errorf("no EscrowCreated event in %d logs", len(logs))
}

// FundEscrow implements chain.Adapter.
func (a *Adapter) FundEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.submit(ctx, "fundEscrow", escrow.StateFunded, new(big.Int).SetUint64(p.EscrowID))
}

// MarkFiatPaid implements chain.Adapter.
func (a *Adapter) MarkFiatPaid(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.submit(ctx, "markFiatPaid", escrow.StateFunded, new(big.Int).SetUint64(p.EscrowID))
}

// ReleaseEscrow implements chain.Adapter.
func (a *Adapter) ReleaseEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.submit(ctx, "releaseEscrow", escrow.StateReleased, new(big.Int).SetUint64(p.EscrowID))
}

// CancelEscrow implements chain.Adapter.
func (a *Adapter) CancelEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.submit(ctx, "cancelEscrow", escrow.StateCancelled, new(big.Int).SetUint64(p.EscrowID))
}

// AutoCancel implements chain.Adapter.
func (a *Adapter) AutoCancel(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.submit(ctx, "autoCancel", escrow.StateCancelled, new(big.Int).SetUint64(p.EscrowID))
}

// UpdateSequentialAddress implements chain.Adapter.
func (a *Adapter) UpdateSequentialAddress(ctx context.Context, p chain.OpParams, newAddress string) (*chain.TxResult, error) {
	if !common.IsHexAddress(newAddress) {
		return nil, escrow.NewError(escrow.KindMissingSequentialAddress, "bad sequential address %q", newAddress)
	}
	return a.submit(ctx, "updateSequentialAddress", "",
		new(big.Int).SetUint64(p.EscrowID), common.HexToAddress(newAddress))
}

// OpenDispute implements chain.Adapter. The bond is pulled by the contract
// via the token allowance, so only the evidence hash travels in calldata; the
// contract rejects when the approved bond is not exactly 5%.
func (a *Adapter) OpenDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	return a.submit(ctx, "openDisputeWithBond", escrow.StateDisputed,
		new(big.Int).SetUint64(p.EscrowID), [32]byte(p.EvidenceHash))
}

// RespondToDispute implements chain.Adapter.
func (a *Adapter) RespondToDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	return a.submit(ctx, "respondToDisputeWithBond", escrow.StateDisputed,
		new(big.Int).SetUint64(p.EscrowID), [32]byte(p.EvidenceHash))
}

// ResolveDispute implements chain.Adapter.
func (a *Adapter) ResolveDispute(ctx context.Context, p chain.ResolveParams) (*chain.TxResult, error) {
	return a.submit(ctx, "resolveDisputeWithExplanation", escrow.StateResolved,
		new(big.Int).SetUint64(p.EscrowID), p.BuyerWins, [32]byte(p.ResolutionHash))
}

// DefaultJudgment implements chain.Adapter.
func (a *Adapter) DefaultJudgment(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	return a.submit(ctx, "defaultJudgment", escrow.StateResolved, new(big.Int).SetUint64(p.EscrowID))
}

// escrowRecord mirrors the escrows(uint256) output tuple.
type escrowRecord struct {
	EscrowId                  *big.Int
	TradeId                   *big.Int
	Seller                    common.Address
	Buyer                     common.Address
	Arbitrator                common.Address
	Amount                    *big.Int
	Fee                       *big.Int
	DepositDeadline           *big.Int
	FiatDeadline              *big.Int
	State                     uint8
	Sequential                bool
	SequentialEscrowAddress   common.Address
	FiatPaid                  bool
	Counter                   *big.Int
	DisputeInitiator          common.Address
	DisputeInitiatedTime      *big.Int
	DisputeEvidenceHashBuyer  [32]byte
	DisputeEvidenceHashSeller [32]byte
	DisputeResolutionHash     [32]byte
	TrackedBalance            *big.Int
}

var stateByTag = map[uint8]escrow.State{
	0: escrow.StateCreated,
	1: escrow.StateFunded,
	2: escrow.StateReleased,
	3: escrow.StateCancelled,
	4: escrow.StateDisputed,
	5: escrow.StateResolved,
}

// ReadEscrow implements chain.Adapter. The trade id is cross-checked against
// the stored record, since the contract is indexed by escrow id alone.
func (a *Adapter) ReadEscrow(ctx context.Context, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	data, err := a.abi.Pack("escrows", new(big.Int).SetUint64(escrowID))
	if err != nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "pack escrows: %v", err)
	}
	out, err := a.backend.Call(ctx, a.contract, data)
	if err != nil {
		return nil, mapError(err, "read escrow")
	}

	var rec escrowRecord
	if err := a.abi.UnpackIntoInterface(&rec, "escrows", out); err != nil {
		return nil, escrow.WrapComm(err, "decode escrow %d", escrowID)
	}
	if rec.TradeId.Uint64() != tradeID {
		return nil, escrow.NewError(escrow.KindInvalidState,
			"escrow %d belongs to trade %d, not %d", escrowID, rec.TradeId.Uint64(), tradeID)
	}
	state, ok := stateByTag[rec.State]
	if !ok {
		return nil, escrow.WrapComm(fmt.Errorf("unknown state tag %d", rec.State), "decode escrow %d", escrowID)
	}

	e := &escrow.Escrow{
		EscrowID:        rec.EscrowId.Uint64(),
		TradeID:         rec.TradeId.Uint64(),
		Seller:          rec.Seller.Hex(),
		Buyer:           rec.Buyer.Hex(),
		Arbitrator:      rec.Arbitrator.Hex(),
		Amount:          rec.Amount.Uint64(),
		Fee:             rec.Fee.Uint64(),
		TrackedBalance:  rec.TrackedBalance.Uint64(),
		DepositDeadline: time.Unix(rec.DepositDeadline.Int64(), 0).UTC(),
		State:           state,
		FiatPaid:        rec.FiatPaid,
		Sequential:      rec.Sequential,
		Counter:         rec.Counter.Uint64(),
	}
	if rec.FiatDeadline.Sign() > 0 {
		e.FiatDeadline = time.Unix(rec.FiatDeadline.Int64(), 0).UTC()
	}
	if rec.SequentialEscrowAddress != (common.Address{}) {
		e.SequentialAddress = rec.SequentialEscrowAddress.Hex()
	}
	if rec.DisputeInitiator != (common.Address{}) {
		d := &escrow.Dispute{
			Initiator:          rec.DisputeInitiator.Hex(),
			BuyerEvidenceHash:  rec.DisputeEvidenceHashBuyer,
			SellerEvidenceHash: rec.DisputeEvidenceHashSeller,
			ResolutionHash:     rec.DisputeResolutionHash,
		}
		if rec.DisputeInitiatedTime.Sign() > 0 {
			d.InitiatedAt = time.Unix(rec.DisputeInitiatedTime.Int64(), 0).UTC()
		}
		e.Dispute = d
	}
	return e, nil
}

// GetTokenBalance implements chain.Adapter.
func (a *Adapter) GetTokenBalance(ctx context.Context, address string) (uint64, error) {
	if !common.IsHexAddress(address) {
		return 0, escrow.NewError(escrow.KindInvalidState, "bad address %q", address)
	}
	data, err := a.erc20.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return 0, escrow.NewError(escrow.KindInvalidState, "pack balanceOf: %v", err)
	}
	out, err := a.backend.Call(ctx, a.token, data)
	if err != nil {
		return 0, mapError(err, "token balance")
	}
	var balance *big.Int
	if err := a.erc20.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
		return 0, escrow.WrapComm(err, "decode balance for %s", address)
	}
	return balance.Uint64(), nil
}
