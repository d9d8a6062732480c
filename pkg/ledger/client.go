package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

type EventSource interface {
	GetTransactionEvents(ctx context.Context, txHash string) ([]TransferEvent, error)
}

type TransferRequest struct {
	Token  string
	To     string
	Amount *big.Int
	Memo   string
}

type Transferer interface {
	SendTransfer(ctx context.Context, req TransferRequest) (string, error)
}

// Backend is the subset of the JSON-RPC client used here; *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type RPCClient struct {
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
}

type Option func(*RPCClient)

// WithTransferKey enables SendTransfer, signing with key.
func WithTransferKey(key *ecdsa.PrivateKey) Option {
	return func(c *RPCClient) { c.key = key }
}

func NewRPCClient(backend Backend, chainID int64, opts ...Option) *RPCClient {
	c := &RPCClient{backend: backend, chainID: big.NewInt(chainID)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to rpcURL and refuses to proceed if the node serves a
// different chain than expected.
func Dial(ctx context.Context, rpcURL string, chainID int64, opts ...Option) (*RPCClient, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ledger chain id: %w", err)
	}
	if got.Cmp(big.NewInt(chainID)) != 0 {
		eth.Close()
		return nil, fmt.Errorf("ledger rpc serves chain %s, expected %d", got, chainID)
	}
	return NewRPCClient(eth, chainID, opts...), nil
}

func (c *RPCClient) GetTransactionEvents(ctx context.Context, txHash string) ([]TransferEvent, error) {
	h, ok := NormalizeHash32(txHash)
	if !ok {
		return nil, apperr.Validation("invalid_tx_hash", "txHash must be 0x-prefixed 32-byte hex")
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(h))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, apperr.TransientLedger("receipt_pending", err)
		}
		return nil, apperr.TransientLedger("receipt_fetch_failed", err)
	}
	return EventsFromReceipt(receipt), nil
}

func (c *RPCClient) SendTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if c.key == nil {
		return "", errors.New("ledger client has no transfer key")
	}
	token, ok := NormalizeAddress(req.Token)
	if !ok {
		return "", apperr.Validation("invalid_token", "token must be a 20-byte hex address")
	}
	to, ok := NormalizeAddress(req.To)
	if !ok {
		return "", apperr.Validation("invalid_recipient", "recipient must be a 20-byte hex address")
	}
	memo, ok := NormalizeHash32(req.Memo)
	if !ok {
		return "", apperr.Validation("invalid_memo", "memo must be 32-byte hex")
	}
	if req.Amount == nil || req.Amount.Sign() < 0 || req.Amount.BitLen() > 256 {
		return "", apperr.Validation("invalid_amount", "amount must fit uint256")
	}

	data, err := PackTransferWithMemo(common.HexToAddress(to), req.Amount, common.HexToHash(memo))
	if err != nil {
		return "", err
	}
	from := crypto.PubkeyToAddress(c.key.PublicKey)
	tokenAddr := common.HexToAddress(token)

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", apperr.TransientLedger("nonce_fetch_failed", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", apperr.TransientLedger("gas_tip_failed", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", apperr.TransientLedger("header_fetch_failed", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &tokenAddr, Data: data})
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "gas_estimate_failed", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &tokenAddr,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", apperr.TransientLedger("send_failed", err)
	}
	return strings.ToLower(signed.Hash().Hex()), nil
}
