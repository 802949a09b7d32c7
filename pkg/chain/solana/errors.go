package solana

import (
	"errors"
	"fmt"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

// ProgramError is a rejection reported by the escrow program itself, as
// opposed to a transport failure. RPC implementations return it when a
// transaction fails with a custom program error code.
type ProgramError struct {
	Code uint32
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program error 0x%x (%d)", e.Code, e.Code)
}

// Custom error codes of the deployed program, in declaration order starting
// at 6000.
const (
	codeInvalidAmount                = 6000
	codeExceedsMaximum               = 6001
	codeUnauthorized                 = 6002
	codeDepositDeadlineExpired       = 6003
	codeFiatDeadlineExpired          = 6004
	codeInvalidState                 = 6005
	codeMissingSequentialAddress     = 6006
	codeTerminalState                = 6007
	codeFeeCalculationError          = 6008
	codeInsufficientFunds            = 6009
	codeIncorrectBondAmount          = 6010
	codeResponseDeadlineExpired      = 6011
	codeInvalidEvidenceHash          = 6012
	codeDuplicateEvidence            = 6013
	codeArbitrationDeadlineExpired   = 6014
	codeMissingDisputeBond           = 6015
	codeInvalidResolutionExplanation = 6016
)

var kindByCode = map[uint32]escrow.ErrorKind{
	codeInvalidAmount:                escrow.KindInvalidAmount,
	codeExceedsMaximum:               escrow.KindInvalidAmount,
	codeUnauthorized:                 escrow.KindUnauthorized,
	codeDepositDeadlineExpired:       escrow.KindDepositDeadlineExpired,
	codeFiatDeadlineExpired:          escrow.KindFiatDeadlineExpired,
	codeInvalidState:                 escrow.KindInvalidState,
	codeMissingSequentialAddress:     escrow.KindMissingSequentialAddress,
	codeTerminalState:                escrow.KindTerminalState,
	codeFeeCalculationError:          escrow.KindInvalidAmount,
	codeInsufficientFunds:            escrow.KindInsufficientFunds,
	codeIncorrectBondAmount:          escrow.KindIncorrectBondAmount,
	codeResponseDeadlineExpired:      escrow.KindResponseDeadlineExpired,
	codeInvalidEvidenceHash:          escrow.KindInvalidState,
	codeDuplicateEvidence:            escrow.KindDuplicateEvidence,
	codeArbitrationDeadlineExpired:   escrow.KindResponseDeadlineExpired,
	codeMissingDisputeBond:           escrow.KindIncorrectBondAmount,
	codeInvalidResolutionExplanation: escrow.KindInvalidResolutionExplanation,
}

// mapError translates a submission failure into the escrow taxonomy. Program
// rejections map one-to-one by code; anything else is a transport failure.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var ee *escrow.Error
	if errors.As(err, &ee) {
		return err
	}
	var pe *ProgramError
	if errors.As(err, &pe) {
		if kind, ok := kindByCode[pe.Code]; ok {
			return escrow.NewError(kind, "%s rejected by program (code %d)", op, pe.Code)
		}
		return escrow.NewError(escrow.KindInvalidState, "%s rejected with unknown program code %d", op, pe.Code)
	}
	return escrow.WrapComm(err, "%s", op)
}
