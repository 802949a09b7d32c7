package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABI is the deployed escrow contract surface this adapter uses. The
// contract assigns escrow ids itself and reports them via EscrowCreated;
// deadlines are computed on-chain from the configured windows.
const escrowABI = `[
  {"type":"function","name":"createEscrow","inputs":[
    {"name":"tradeId","type":"uint256"},
    {"name":"buyer","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"sequential","type":"bool"},
    {"name":"sequentialEscrowAddress","type":"address"}],
   "outputs":[{"name":"escrowId","type":"uint256"}]},
  {"type":"function","name":"fundEscrow","inputs":[
    {"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"markFiatPaid","inputs":[
    {"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"releaseEscrow","inputs":[
    {"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelEscrow","inputs":[
    {"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"autoCancel","inputs":[
    {"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"updateSequentialAddress","inputs":[
    {"name":"escrowId","type":"uint256"},
    {"name":"newAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"openDisputeWithBond","inputs":[
    {"name":"escrowId","type":"uint256"},
    {"name":"evidenceHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"respondToDisputeWithBond","inputs":[
    {"name":"escrowId","type":"uint256"},
    {"name":"evidenceHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"resolveDisputeWithExplanation","inputs":[
    {"name":"escrowId","type":"uint256"},
    {"name":"buyerWins","type":"bool"},
    {"name":"resolutionHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"defaultJudgment","inputs":[
    {"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"escrows","inputs":[
    {"name":"escrowId","type":"uint256"}],
   "outputs":[
    {"name":"escrowId","type":"uint256"},
    {"name":"tradeId","type":"uint256"},
    {"name":"seller","type":"address"},
    {"name":"buyer","type":"address"},
    {"name":"arbitrator","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"fee","type":"uint256"},
    {"name":"depositDeadline","type":"uint256"},
    {"name":"fiatDeadline","type":"uint256"},
    {"name":"state","type":"uint8"},
    {"name":"sequential","type":"bool"},
    {"name":"sequentialEscrowAddress","type":"address"},
    {"name":"fiatPaid","type":"bool"},
    {"name":"counter","type":"uint256"},
    {"name":"disputeInitiator","type":"address"},
    {"name":"disputeInitiatedTime","type":"uint256"},
    {"name":"disputeEvidenceHashBuyer","type":"bytes32"},
    {"name":"disputeEvidenceHashSeller","type":"bytes32"},
    {"name":"disputeResolutionHash","type":"bytes32"},
    {"name":"trackedBalance","type":"uint256"}]},
  {"type":"event","name":"EscrowCreated","inputs":[
    {"name":"escrowId","type":"uint256","indexed":true},
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":false},
    {"name":"buyer","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowReleased","inputs":[
    {"name":"escrowId","type":"uint256","indexed":true},
    {"name":"destination","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

// erc20ABI is the minimal token surface used for balance reads.
const erc20ABI = `[
  {"type":"function","name":"balanceOf","inputs":[
    {"name":"owner","type":"address"}],
   "outputs":[{"name":"balance","type":"uint256"}]}
]`

func parseABI(src string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}
