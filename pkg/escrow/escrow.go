// Package escrow defines the chain-agnostic escrow domain: the on-chain
// record as this coordinator observes it, the lifecycle states, the caller
// roles, and the fee/bond arithmetic shared by every chain implementation.
package escrow

import (
	"encoding/hex"
	"time"
)

// State is the on-chain escrow lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateFunded    State = "funded"
	StateReleased  State = "released"
	StateCancelled State = "cancelled"
	StateDisputed  State = "disputed"
	StateResolved  State = "resolved"
)

// Terminal reports whether no further mutation is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateCancelled, StateResolved:
		return true
	}
	return false
}

// Role identifies the caller of a lifecycle operation.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
)

// Protocol constants fixed by the deployed escrow programs. The token has six
// decimals on both chains.
const (
	// MaxAmount is the largest escrow principal accepted, in smallest units.
	MaxAmount uint64 = 100_000_000

	// FeeBasisPoints is the platform fee charged on top of the principal.
	FeeBasisPoints uint64 = 100

	// BondBasisPoints is the dispute bond each party must post, as a share
	// of the principal. The chain rejects any other bond amount.
	BondBasisPoints uint64 = 500

	// DefaultDepositWindow is how long the seller has to fund a new escrow.
	DefaultDepositWindow = 15 * time.Minute

	// DefaultFiatWindow is how long the buyer has to pay fiat, measured from
	// the moment the escrow is funded.
	DefaultFiatWindow = 30 * time.Minute

	// DisputeResponseWindow is how long the non-initiating party has to post
	// its bond and evidence after a dispute opens.
	DisputeResponseWindow = 72 * time.Hour

	// ArbitrationWindow is how long the arbitrator has to resolve an open
	// dispute before either party may demand a default judgment.
	ArbitrationWindow = 168 * time.Hour
)

// FeeFor returns the platform fee for the given principal.
func FeeFor(amount uint64) uint64 {
	return amount * FeeBasisPoints / 10_000
}

// BondFor returns the exact dispute bond required for the given principal.
func BondFor(amount uint64) uint64 {
	return amount * BondBasisPoints / 10_000
}

// Hash is a 32-byte content hash (evidence or resolution explanation).
type Hash [32]byte

// IsZero reports whether h is the empty hash.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Dispute holds the dispute sub-record of an escrow. Evidence hashes are
// append-only: each slot is written at most once, and the resolution hash is
// written exactly once when the dispute closes.
type Dispute struct {
	Initiator          string
	InitiatedAt        time.Time
	BuyerEvidenceHash  Hash
	SellerEvidenceHash Hash
	ResolutionHash     Hash
}

// ResponseDeadline is the moment the non-initiating party's response window
// closes.
func (d *Dispute) ResponseDeadline() time.Time {
	return d.InitiatedAt.Add(DisputeResponseWindow)
}

// Escrow is the coordinator's view of one on-chain escrow record. Addresses
// are chain-native strings; the coordinator never interprets them beyond
// equality checks. TrackedBalance and Counter come straight from chain state.
type Escrow struct {
	EscrowID uint64
	TradeID  uint64

	Seller     string
	Buyer      string
	Arbitrator string

	Amount         uint64
	Fee            uint64
	TrackedBalance uint64

	DepositDeadline time.Time
	FiatDeadline    time.Time

	State    State
	FiatPaid bool

	Sequential        bool
	SequentialAddress string

	// Counter increases on every mutating instruction. A read that observes
	// a smaller counter than a previous read is stale, not a rollback.
	Counter uint64

	Dispute *Dispute
}

// Terminal reports whether the escrow has reached a terminal state.
func (e *Escrow) Terminal() bool { return e.State.Terminal() }

// DepositDeadlineExpired reports whether funding is no longer possible at now.
func (e *Escrow) DepositDeadlineExpired(now time.Time) bool {
	return now.After(e.DepositDeadline)
}

// FiatDeadlineExpired reports whether the fiat payment window has lapsed at
// now. Only meaningful once the escrow is funded.
func (e *Escrow) FiatDeadlineExpired(now time.Time) bool {
	return !e.FiatDeadline.IsZero() && now.After(e.FiatDeadline)
}
