package trade

import (
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// Action is a lifecycle action a role may take on a trade leg.
type Action string

const (
	ActionCreateEscrow Action = "create_escrow"
	ActionFund         Action = "fund"
	ActionMarkPaid     Action = "mark_paid"
	ActionRelease      Action = "release"
	ActionCancel       Action = "cancel"
	ActionDispute      Action = "dispute"
	ActionResolve      Action = "resolve"
)

// AvailableActions returns the exact set of actions legal for role at the
// given leg state and deadline status. This is an authorization boundary:
// Apply rejects anything not listed here, independent of what a UI shows.
//
// Arbitrator actions deliberately never appear: arbitration flows through the
// dispute coordinator, which performs its own authority checks against chain
// state.
func AvailableActions(state LegState, role escrow.Role, depositExpired, fiatExpired bool) []Action {
	switch state {
	case LegCreated:
		if role == escrow.RoleSeller {
			if depositExpired {
				return []Action{ActionCancel}
			}
			return []Action{ActionCreateEscrow}
		}

	case LegFunded, LegAwaitingFiatPayment:
		switch role {
		case escrow.RoleSeller:
			if fiatExpired {
				return []Action{ActionCancel}
			}
		case escrow.RoleBuyer:
			return []Action{ActionMarkPaid}
		}

	case LegPendingCryptoRelease:
		switch role {
		case escrow.RoleSeller:
			return []Action{ActionRelease, ActionDispute}
		case escrow.RoleBuyer:
			return []Action{ActionDispute}
		}
	}
	return nil
}

// transitions lists every legal (state, action) pair and its successor.
var transitions = map[LegState]map[Action]LegState{
	LegCreated: {
		ActionCreateEscrow: LegCreated, // establishes the escrow link
		ActionFund:         LegFunded,
		ActionCancel:       LegCancelled,
	},
	LegFunded: {
		ActionMarkPaid: LegPendingCryptoRelease,
		ActionCancel:   LegCancelled,
		ActionDispute:  LegDisputed,
	},
	LegAwaitingFiatPayment: {
		ActionMarkPaid: LegPendingCryptoRelease,
		ActionCancel:   LegCancelled,
		ActionDispute:  LegDisputed,
	},
	LegPendingCryptoRelease: {
		ActionRelease: LegCompleted,
		ActionCancel:  LegCancelled,
		ActionDispute: LegDisputed,
	},
	LegDisputed: {
		ActionResolve: LegResolved,
	},
}

// Apply returns the successor state for action at state, or a typed error
// when the transition is not legal. Terminal states admit nothing.
func Apply(state LegState, action Action) (LegState, error) {
	if state.Terminal() {
		return state, escrow.NewError(escrow.KindTerminalState,
			"trade leg is %s; %s is not possible", state, action)
	}
	if next, ok := transitions[state][action]; ok {
		return next, nil
	}
	return state, escrow.NewError(escrow.KindInvalidState,
		"%s is not legal from %s", action, state)
}

// ResolutionOutcome maps an arbitrator's decision onto the leg state that
// follows RESOLVED: the buyer winning completes the trade, the seller winning
// cancels it.
func ResolutionOutcome(buyerWins bool) LegState {
	if buyerWins {
		return LegCompleted
	}
	return LegCancelled
}
