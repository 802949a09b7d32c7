package evm

import (
	"errors"
	"strings"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// RevertError is a contract rejection carrying the decoded revert reason.
// Backend implementations return it when a transaction reverts or a call
// fails with reason data; everything else is treated as transport.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// revertKinds maps revert reason fragments onto the escrow taxonomy. The
// contract prefixes every require message with a stable code, so matching is
// on the code, not the free text.
var revertKinds = []struct {
	code string
	kind escrow.ErrorKind
}{
	{"E100", escrow.KindInvalidAmount},            // zero or negative amount
	{"E101", escrow.KindInvalidAmount},            // exceeds maximum
	{"E102", escrow.KindUnauthorized},             // unauthorized caller
	{"E103", escrow.KindDepositDeadlineExpired},   // deposit deadline expired
	{"E104", escrow.KindFiatDeadlineExpired},      // fiat payment deadline expired
	{"E105", escrow.KindInvalidState},             // invalid state transition
	{"E106", escrow.KindMissingSequentialAddress}, // missing sequential address
	{"E107", escrow.KindTerminalState},            // escrow in terminal state
	{"E108", escrow.KindInsufficientFunds},        // insufficient funds
	{"E109", escrow.KindIncorrectBondAmount},      // incorrect bond amount
	{"E110", escrow.KindResponseDeadlineExpired},  // dispute response deadline expired
	{"E111", escrow.KindDuplicateEvidence},        // evidence already submitted
	{"E112", escrow.KindInvalidResolutionExplanation},
	{"E113", escrow.KindIncorrectBondAmount}, // missing dispute bond
}

// mapError translates a backend failure into the escrow taxonomy.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var ee *escrow.Error
	if errors.As(err, &ee) {
		return err
	}
	var re *RevertError
	if errors.As(err, &re) {
		for _, rk := range revertKinds {
			if strings.Contains(re.Reason, rk.code) {
				return escrow.NewError(rk.kind, "%s reverted: %s", op, re.Reason)
			}
		}
		return escrow.NewError(escrow.KindInvalidState, "%s reverted: %s", op, re.Reason)
	}
	return escrow.WrapComm(err, "%s", op)
}
