package solana

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// Instruction names understood by the escrow program. The wire discriminator
// for each is the first 8 bytes of sha256("global:<name>").
const (
	ixCreateEscrow            = "create_escrow"
	ixFundEscrow              = "fund_escrow"
	ixMarkFiatPaid            = "mark_fiat_paid"
	ixReleaseEscrow           = "release_escrow"
	ixCancelEscrow            = "cancel_escrow"
	ixAutoCancel              = "auto_cancel"
	ixOpenDispute             = "open_dispute_with_bond"
	ixRespondToDispute        = "respond_to_dispute_with_bond"
	ixResolveDispute          = "resolve_dispute_with_explanation"
	ixDefaultJudgment         = "default_judgment"
	ixUpdateSequentialAddress = "update_sequential_address"
)

func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// ixBuilder accumulates little-endian instruction data behind a discriminator.
type ixBuilder struct {
	buf bytes.Buffer
}

func newIx(name string) *ixBuilder {
	b := &ixBuilder{}
	d := discriminator(name)
	b.buf.Write(d[:])
	return b
}

func (b *ixBuilder) u64(v uint64) *ixBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *ixBuilder) i64(v int64) *ixBuilder {
	return b.u64(uint64(v))
}

func (b *ixBuilder) boolean(v bool) *ixBuilder {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
	return b
}

func (b *ixBuilder) bytes32(v [32]byte) *ixBuilder {
	b.buf.Write(v[:])
	return b
}

// optPubkey writes an optional account address (1-byte tag + 32 bytes).
func (b *ixBuilder) optPubkey(present bool, v [32]byte) *ixBuilder {
	b.boolean(present)
	if present {
		b.bytes32(v)
	}
	return b
}

func (b *ixBuilder) data() []byte { return b.buf.Bytes() }

// message assembles the unsigned transaction payload handed to the signing
// collaborator: program id, ordered account list, instruction data.
func message(programID [32]byte, accounts [][32]byte, data []byte) []byte {
	var buf bytes.Buffer
	buf.Write(programID[:])
	buf.WriteByte(byte(len(accounts)))
	for _, a := range accounts {
		buf.Write(a[:])
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	buf.Write(data)
	return buf.Bytes()
}

// Account layout of the on-chain escrow record, in field order:
// escrow_id u64, trade_id u64, seller/buyer/arbitrator pubkeys, amount u64,
// fee u64, deposit_deadline i64, fiat_deadline i64, state u8, sequential bool,
// sequential_escrow_address Option<pubkey>, fiat_paid bool, counter u64,
// dispute_initiator Option<pubkey>, dispute_initiated_time Option<i64>,
// evidence hashes Option<[32]u8> x2, resolution hash Option<[32]u8>,
// tracked_balance u64.

type accountReader struct {
	buf *bytes.Reader
	err error
}

func (r *accountReader) u64() uint64 {
	var tmp [8]byte
	if r.err == nil {
		_, r.err = io.ReadFull(r.buf, tmp[:])
	}
	return binary.LittleEndian.Uint64(tmp[:])
}

func (r *accountReader) i64() int64 { return int64(r.u64()) }

func (r *accountReader) u8() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.buf.ReadByte()
	r.err = err
	return b
}

func (r *accountReader) boolean() bool { return r.u8() == 1 }

func (r *accountReader) bytes32() [32]byte {
	var out [32]byte
	if r.err == nil {
		_, r.err = io.ReadFull(r.buf, out[:])
	}
	return out
}

func (r *accountReader) optBytes32() ([32]byte, bool) {
	if !r.boolean() {
		return [32]byte{}, false
	}
	return r.bytes32(), true
}

func (r *accountReader) optI64() (int64, bool) {
	if !r.boolean() {
		return 0, false
	}
	return r.i64(), true
}

var stateByTag = map[byte]escrow.State{
	0: escrow.StateCreated,
	1: escrow.StateFunded,
	2: escrow.StateReleased,
	3: escrow.StateCancelled,
	4: escrow.StateDisputed,
	5: escrow.StateResolved,
}

// DecodeEscrowAccount parses the raw account data into the domain record.
func DecodeEscrowAccount(data []byte) (*escrow.Escrow, error) {
	r := &accountReader{buf: bytes.NewReader(data)}

	e := &escrow.Escrow{}
	e.EscrowID = r.u64()
	e.TradeID = r.u64()
	seller := r.bytes32()
	buyer := r.bytes32()
	arbitrator := r.bytes32()
	e.Amount = r.u64()
	e.Fee = r.u64()
	depositDeadline := r.i64()
	fiatDeadline := r.i64()
	stateTag := r.u8()
	e.Sequential = r.boolean()
	seqAddr, seqSet := r.optBytes32()
	e.FiatPaid = r.boolean()
	e.Counter = r.u64()

	initiator, hasInitiator := r.optBytes32()
	initiatedAt, hasInitiated := r.optI64()
	buyerEvidence, hasBuyerEvidence := r.optBytes32()
	sellerEvidence, hasSellerEvidence := r.optBytes32()
	resolution, hasResolution := r.optBytes32()
	e.TrackedBalance = r.u64()

	if r.err != nil {
		return nil, fmt.Errorf("decode escrow account: %w", r.err)
	}
	state, ok := stateByTag[stateTag]
	if !ok {
		return nil, fmt.Errorf("decode escrow account: unknown state tag %d", stateTag)
	}

	e.State = state
	e.Seller = FormatAddress(seller)
	e.Buyer = FormatAddress(buyer)
	e.Arbitrator = FormatAddress(arbitrator)
	e.DepositDeadline = time.Unix(depositDeadline, 0).UTC()
	if fiatDeadline != 0 {
		e.FiatDeadline = time.Unix(fiatDeadline, 0).UTC()
	}
	if seqSet {
		e.SequentialAddress = FormatAddress(seqAddr)
	}

	if hasInitiator {
		d := &escrow.Dispute{Initiator: FormatAddress(initiator)}
		if hasInitiated {
			d.InitiatedAt = time.Unix(initiatedAt, 0).UTC()
		}
		if hasBuyerEvidence {
			d.BuyerEvidenceHash = buyerEvidence
		}
		if hasSellerEvidence {
			d.SellerEvidenceHash = sellerEvidence
		}
		if hasResolution {
			d.ResolutionHash = resolution
		}
		e.Dispute = d
	}
	return e, nil
}

// EncodeEscrowAccount is the inverse of DecodeEscrowAccount. The adapter never
// writes account data itself; this exists for fixtures and the in-process
// program used in tests.
func EncodeEscrowAccount(e *escrow.Escrow) ([]byte, error) {
	b := &ixBuilder{}
	b.u64(e.EscrowID).u64(e.TradeID)

	for _, addr := range []string{e.Seller, e.Buyer, e.Arbitrator} {
		a, err := ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		b.bytes32(a)
	}

	b.u64(e.Amount).u64(e.Fee)
	b.i64(e.DepositDeadline.Unix())
	if e.FiatDeadline.IsZero() {
		b.i64(0)
	} else {
		b.i64(e.FiatDeadline.Unix())
	}

	var tag byte
	found := false
	for t, s := range stateByTag {
		if s == e.State {
			tag, found = t, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("encode escrow account: unknown state %q", e.State)
	}
	b.buf.WriteByte(tag)

	b.boolean(e.Sequential)
	if e.SequentialAddress != "" {
		a, err := ParseAddress(e.SequentialAddress)
		if err != nil {
			return nil, err
		}
		b.optPubkey(true, a)
	} else {
		b.optPubkey(false, [32]byte{})
	}
	b.boolean(e.FiatPaid)
	b.u64(e.Counter)

	d := e.Dispute
	if d == nil {
		b.boolean(false) // initiator
		b.boolean(false) // initiated time
		b.boolean(false) // buyer evidence
		b.boolean(false) // seller evidence
		b.boolean(false) // resolution
	} else {
		a, err := ParseAddress(d.Initiator)
		if err != nil {
			return nil, err
		}
		b.optPubkey(true, a)
		b.boolean(true)
		b.i64(d.InitiatedAt.Unix())
		b.optPubkey(!d.BuyerEvidenceHash.IsZero(), d.BuyerEvidenceHash)
		b.optPubkey(!d.SellerEvidenceHash.IsZero(), d.SellerEvidenceHash)
		b.optPubkey(!d.ResolutionHash.IsZero(), d.ResolutionHash)
	}

	b.u64(e.TrackedBalance)
	return b.data(), nil
}
