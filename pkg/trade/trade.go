// Package trade models the off-chain side of one escrow-backed trade leg and
// the pure decision logic over it. The leg state is a buyer/seller-facing
// refinement of the on-chain escrow state; the two never drift because the
// mapping is a function, not a second hand-maintained enum.
package trade

import (
	"time"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// LegState is the off-chain ledger state of a trade leg.
type LegState string

const (
	LegCreated              LegState = "CREATED"
	LegFunded               LegState = "FUNDED"
	LegAwaitingFiatPayment  LegState = "AWAITING_FIAT_PAYMENT"
	LegPendingCryptoRelease LegState = "PENDING_CRYPTO_RELEASE"
	LegDisputed             LegState = "DISPUTED"
	LegCancelled            LegState = "CANCELLED"
	LegReleased             LegState = "RELEASED"
	LegCompleted            LegState = "COMPLETED"
	LegResolved             LegState = "RESOLVED"
)

// Terminal reports whether the leg can change no further.
func (s LegState) Terminal() bool {
	switch s {
	case LegCancelled, LegReleased, LegCompleted, LegResolved:
		return true
	}
	return false
}

// LegStateFor derives the leg state from on-chain truth. A funded escrow is
// AWAITING_FIAT_PAYMENT until the buyer marks fiat paid, then
// PENDING_CRYPTO_RELEASE; a released escrow completes the leg.
func LegStateFor(e *escrow.Escrow) LegState {
	switch e.State {
	case escrow.StateCreated:
		return LegCreated
	case escrow.StateFunded:
		if e.FiatPaid {
			return LegPendingCryptoRelease
		}
		return LegAwaitingFiatPayment
	case escrow.StateReleased:
		return LegCompleted
	case escrow.StateCancelled:
		return LegCancelled
	case escrow.StateDisputed:
		return LegDisputed
	case escrow.StateResolved:
		return LegResolved
	}
	return LegCreated
}

// Trade is the coordinator's in-memory shadow of the ledger's trade record.
// The external ledger owns persistence; this core mutates the shadow while
// coordinating and pushes state changes back through the ledger collaborator.
type Trade struct {
	ID          uint64 `bun:"id,pk"`
	Leg1OfferID uint64 `bun:"leg1_offer_id"`

	BuyerAccountID  uint64 `bun:"buyer_account_id"`
	SellerAccountID uint64 `bun:"seller_account_id"`

	Leg1State LegState `bun:"leg1_state"`

	// Leg1EscrowID links to the on-chain escrow once created. Nil before
	// creation; immutable once set.
	Leg1EscrowID *uint64 `bun:"leg1_escrow_onchain_id"`

	// Cached deadline mirrors for display and scheduling decisions only.
	// The on-chain values stay authoritative for every irreversible action.
	Leg1EscrowDepositDeadline time.Time `bun:"leg1_escrow_deposit_deadline,nullzero"`
	Leg1FiatPaymentDeadline   time.Time `bun:"leg1_fiat_payment_deadline,nullzero"`

	CreatedAt time.Time `bun:"created_at"`
	UpdatedAt time.Time `bun:"updated_at"`
}

// LinkEscrow records the escrow link. Re-pointing an already linked trade is
// rejected.
func (t *Trade) LinkEscrow(escrowID uint64) error {
	if t.Leg1EscrowID != nil {
		if *t.Leg1EscrowID == escrowID {
			return nil
		}
		return escrow.NewError(escrow.KindInvalidState,
			"trade %d already linked to escrow %d", t.ID, *t.Leg1EscrowID)
	}
	t.Leg1EscrowID = &escrowID
	return nil
}
