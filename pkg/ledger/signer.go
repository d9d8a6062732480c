package ledger

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MessageSigner produces EIP-191 personal-message signatures.
type MessageSigner interface {
	Address() string
	SignMessage(message string) (string, error)
}

type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if raw == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, errors.New("private key must be 32-byte hex")
	}
	return NewKeySignerFromECDSA(key), nil
}

func NewKeySignerFromECDSA(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

func (s *KeySigner) Address() string { return s.address }

func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey { return s.key }

func (s *KeySigner) SignMessage(message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// VerifyPersonalSignature recovers the EIP-191 signer of message and compares
// it with address. Any malformed input yields false.
func VerifyPersonalSignature(address, message, signature string) bool {
	want, ok := NormalizeAddress(address)
	if !ok {
		return false
	}
	got, err := RecoverPersonalSigner(message, signature)
	if err != nil {
		return false
	}
	return got == want
}

func RecoverPersonalSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return "", errors.New("signature must be 0x-prefixed hex")
	}
	if len(sig) != crypto.SignatureLength {
		return "", errors.New("signature must be 65 bytes")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", errors.New("invalid signature recovery id")
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", err
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}
