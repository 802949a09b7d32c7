package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
)

// RPCBackend implements Backend over a JSON-RPC node. Transactions are
// assembled here, signed by the external signer, and submitted; Submit blocks
// until the transaction is mined.
type RPCBackend struct {
	ec      *ethclient.Client
	signer  chain.Signer
	from    common.Address
	chainID *big.Int
	logger  *zap.Logger
}

// NewRPCBackend dials the node and binds the backend to the signer's address.
func NewRPCBackend(rpcURL string, chainID int64, signer chain.Signer, opts ...Option) (*RPCBackend, error) {
	if !common.IsHexAddress(signer.Address()) {
		return nil, fmt.Errorf("bad signer address %q", signer.Address())
	}
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return &RPCBackend{
		ec:      ec,
		signer:  signer,
		from:    common.HexToAddress(signer.Address()),
		chainID: big.NewInt(chainID),
		logger:  s.logger,
	}, nil
}

// Close releases the underlying RPC connection.
func (b *RPCBackend) Close() { b.ec.Close() }

// Call implements Backend.
func (b *RPCBackend) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := b.ec.CallContract(ctx, ethereum.CallMsg{From: b.from, To: &to, Data: data}, nil)
	if err != nil {
		if reason, ok := revertReasonFromError(err); ok {
			return nil, &RevertError{Reason: reason}
		}
		return nil, err
	}
	return out, nil
}

// Submit implements Backend. The transaction is gas-estimated, signed by the
// external signer, broadcast, and awaited until mined.
func (b *RPCBackend) Submit(ctx context.Context, to common.Address, data []byte) (*Receipt, error) {
	nonce, err := b.ec.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := b.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := b.ec.EstimateGas(ctx, ethereum.CallMsg{
		From:     b.from,
		To:       &to,
		Data:     data,
		GasPrice: gasPrice,
	})
	if err != nil {
		if reason, ok := revertReasonFromError(err); ok {
			return nil, &RevertError{Reason: reason}
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5, // headroom over the estimate
		To:       &to,
		Data:     data,
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	signedRaw, err := b.signer.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}

	if err := b.ec.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	b.logger.Debug("transaction broadcast",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))

	receipt, err := bind.WaitMined(ctx, b.ec, signed)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		if reason, ok := b.replayForReason(ctx, to, data, receipt.BlockNumber); ok {
			return nil, &RevertError{Reason: reason}
		}
		return nil, &RevertError{Reason: "transaction failed without reason"}
	}

	logs := make([]types.Log, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		logs = append(logs, *l)
	}
	return &Receipt{TxHash: receipt.TxHash, Logs: logs}, nil
}

// replayForReason re-executes a failed transaction as a call at its block to
// recover the revert reason; receipts do not carry it.
func (b *RPCBackend) replayForReason(ctx context.Context, to common.Address, data []byte, block *big.Int) (string, bool) {
	_, err := b.ec.CallContract(ctx, ethereum.CallMsg{From: b.from, To: &to, Data: data}, block)
	if err == nil {
		return "", false
	}
	return revertReasonFromError(err)
}

// errorSelector is the 4-byte signature of Error(string).
var errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// revertReasonFromError extracts a revert reason string from a JSON-RPC
// error, when the node attached return data to it.
func revertReasonFromError(err error) (string, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		// Some nodes put the reason in the message itself.
		if msg := err.Error(); strings.Contains(msg, "execution reverted") {
			return msg, true
		}
		return "", false
	}
	data, ok := de.ErrorData().(string)
	if !ok {
		return de.Error(), true
	}
	if reason, ok := decodeRevertReason(common.FromHex(data)); ok {
		return reason, true
	}
	return de.Error(), true
}

// decodeRevertReason unpacks ABI-encoded Error(string) return data.
func decodeRevertReason(data []byte) (string, bool) {
	if len(data) < 4+32+32 || !strings.HasPrefix(hex.EncodeToString(data), hex.EncodeToString(errorSelector)) {
		return "", false
	}
	body := data[4:]
	length := new(big.Int).SetBytes(body[32:64]).Uint64()
	if uint64(len(body)) < 64+length {
		return "", false
	}
	return string(body[64 : 64+length]), true
}
