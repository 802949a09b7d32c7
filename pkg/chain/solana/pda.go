package solana

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Seed prefixes fixed by the deployed escrow program. The escrow account is
// derived from (escrowID, tradeID); the token and bond accounts are derived
// from the escrow account itself.
const (
	seedEscrow     = "escrow"
	seedToken      = "escrow_token"
	seedBuyerBond  = "buyer_bond"
	seedSellerBond = "seller_bond"

	derivationMarker = "ProgramDerivedAddress"
)

func deriveAddress(programID [32]byte, seeds ...[]byte) [32]byte {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(derivationMarker))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EscrowAddress derives the escrow account for (escrowID, tradeID).
func EscrowAddress(programID [32]byte, escrowID, tradeID uint64) [32]byte {
	var eb, tb [8]byte
	binary.LittleEndian.PutUint64(eb[:], escrowID)
	binary.LittleEndian.PutUint64(tb[:], tradeID)
	return deriveAddress(programID, []byte(seedEscrow), eb[:], tb[:])
}

// TokenAccountAddress derives the escrow's token vault account.
func TokenAccountAddress(programID [32]byte, escrowAddr [32]byte) [32]byte {
	return deriveAddress(programID, []byte(seedToken), escrowAddr[:])
}

// BondAccountAddress derives the dispute bond account for one party.
func BondAccountAddress(programID [32]byte, escrowAddr [32]byte, buyer bool) [32]byte {
	seed := seedSellerBond
	if buyer {
		seed = seedBuyerBond
	}
	return deriveAddress(programID, []byte(seed), escrowAddr[:])
}

// ParseAddress decodes a hex-encoded 32-byte account address.
func ParseAddress(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("address %q: expected 32 bytes, got %d", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// FormatAddress encodes a 32-byte account address as hex.
func FormatAddress(a [32]byte) string {
	return hex.EncodeToString(a[:])
}
