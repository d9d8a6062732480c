package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// tokenABI covers the TIP-20 memo extension used for invoice settlement.
const tokenABI = `[
  {"type":"function","name":"transferWithMemo","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"memo","type":"bytes32"}],
   "outputs":[]},
  {"type":"event","name":"TransferWithMemo","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false},
             {"name":"memo","type":"bytes32","indexed":true}]}
]`

var parsedTokenABI = mustParseABI(tokenABI)

// TransferWithMemoTopic is topic0 of the TransferWithMemo event.
var TransferWithMemoTopic = parsedTokenABI.Events["TransferWithMemo"].ID

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TransferEvent is a decoded transfer-with-memo log. Addresses and memo are
// lower-cased 0x hex.
type TransferEvent struct {
	ContractAddress string   `json:"contractAddress"`
	From            string   `json:"from"`
	To              string   `json:"to"`
	Amount          *big.Int `json:"amount"`
	Memo            string   `json:"memo"`
	LogIndex        uint     `json:"logIndex"`
}

func DecodeTransferWithMemo(l *types.Log) (TransferEvent, bool) {
	if l == nil || len(l.Topics) != 4 || l.Topics[0] != TransferWithMemoTopic {
		return TransferEvent{}, false
	}
	if len(l.Data) != 32 {
		return TransferEvent{}, false
	}
	return TransferEvent{
		ContractAddress: strings.ToLower(l.Address.Hex()),
		From:            strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		To:              strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Amount:          new(big.Int).SetBytes(l.Data),
		Memo:            strings.ToLower(l.Topics[3].Hex()),
		LogIndex:        l.Index,
	}, true
}

// EventsFromReceipt decodes every TransferWithMemo log in receipt order.
// Reverted transactions carry no effective transfers.
func EventsFromReceipt(r *types.Receipt) []TransferEvent {
	if r == nil || r.Status != types.ReceiptStatusSuccessful {
		return nil
	}
	out := make([]TransferEvent, 0, len(r.Logs))
	for _, l := range r.Logs {
		if ev, ok := DecodeTransferWithMemo(l); ok {
			out = append(out, ev)
		}
	}
	return out
}

func PackTransferWithMemo(to common.Address, amount *big.Int, memo common.Hash) ([]byte, error) {
	return parsedTokenABI.Pack("transferWithMemo", to, amount, [32]byte(memo))
}
