package authz

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks pushed authorizations on the worker side. Nonce
// consumption happens atomically with a successful verification, so two
// concurrent verifications of the same (signer, nonce) cannot both pass.
type Verifier struct {
	domain Domain
	nonces *NonceRegistry
}

// NewVerifier creates a verifier with its own nonce registry.
func NewVerifier(domain Domain) *Verifier {
	return &Verifier{
		domain: domain,
		nonces: NewNonceRegistry(),
	}
}

// Nonces exposes the registry, for tests and shutdown resets.
func (v *Verifier) Nonces() *NonceRegistry {
	return v.nonces
}

// Verify checks auth against the expected master signer and this worker's
// own address. On success the authorization's nonce is consumed and any
// replay with the same (signer, nonce) fails with ErrNonceReused.
// Expiry is a hard boundary at verification time; clock skew is not
// tolerated.
func (v *Verifier) Verify(auth *Authorization, expectedSigner, expectedWorker common.Address) error {
	if auth.Message.Worker != expectedWorker {
		return fmt.Errorf("%w: message names %s", ErrWorkerMismatch, auth.Message.Worker.Hex())
	}

	if !time.Now().Before(time.Unix(auth.Message.ExpiresAt, 0)) {
		return fmt.Errorf("%w: expired at %d", ErrExpired, auth.Message.ExpiresAt)
	}

	recovered, err := recoverSigner(v.domain, auth)
	if err != nil {
		return err
	}
	if recovered != auth.Signer {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrSignatureInvalid, recovered.Hex(), auth.Signer.Hex())
	}
	if recovered != expectedSigner {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignerMismatch, recovered.Hex(), expectedSigner.Hex())
	}

	// Consume last, so a failed check never burns a nonce. Consumption is
	// atomic; the second of two racing verifications fails here.
	if !v.nonces.Consume(recovered, auth.Message.Nonce) {
		return fmt.Errorf("%w: signer %s nonce %d", ErrNonceReused, recovered.Hex(), auth.Message.Nonce)
	}
	return nil
}

func recoverSigner(domain Domain, auth *Authorization) (common.Address, error) {
	hash, err := digest(domain, auth.Message)
	if err != nil {
		return common.Address{}, err
	}

	signature, err := hexutil.Decode(auth.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrSignatureInvalid, len(signature))
	}

	// Normalize the recovery id; geth expects 0/1.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
