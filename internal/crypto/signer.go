package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// personalPrefix is the EIP-191 prefix applied before hashing a signed
// message: "\x19Ethereum Signed Message:\n" + len(message).
const personalPrefix = "\x19Ethereum Signed Message:\n"

// Signer signs personal messages with a secp256k1 private key. The daemon
// uses it for the platform owner's account; callers authenticate requests
// with the same scheme client-side.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignMessage signs an arbitrary message with the EIP-191 personal-sign
// scheme and returns a hex-encoded 65-byte signature (r || s || v).
func (s *Signer) SignMessage(message []byte) (string, error) {
	sig, err := ethcrypto.Sign(personalHash(message), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets expect v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress returns the address that produced a personal-sign signature
// over message. The signature is hex-encoded, 65 bytes, with v in {0,1} or
// {27,28}.
func RecoverAddress(message []byte, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: expected 65-byte signature, got %d bytes", len(sig))
	}

	// SigToPub wants the recovery id in {0,1}.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(personalHash(message), recovery)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recovering public key: %w", err)
	}

	return ethcrypto.PubkeyToAddress(*pub), nil
}

// personalHash computes keccak256 of the EIP-191 prefixed message.
func personalHash(message []byte) []byte {
	prefixed := fmt.Sprintf("%s%d", personalPrefix, len(message))
	return ethcrypto.Keccak256([]byte(prefixed), message)
}
