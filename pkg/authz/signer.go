package authz

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces task authorizations on behalf of a master.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     Domain
}

// NewSigner creates a signer from a hex-encoded private key.
func NewSigner(privateKeyHex string, domain Domain) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		domain:     domain,
	}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign builds and signs a TaskAuthorization for the given worker.
func (s *Signer) Sign(taskID common.Hash, worker common.Address, expiresAt time.Time, nonce uint64) (*Authorization, error) {
	msg := Message{
		TaskID:    taskID,
		Worker:    worker,
		ExpiresAt: expiresAt.Unix(),
		Nonce:     nonce,
	}

	hash, err := digest(s.domain, msg)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}
	signature[64] += 27

	return &Authorization{
		Message:   msg,
		Signature: hexutil.Encode(signature),
		Signer:    s.address,
	}, nil
}
