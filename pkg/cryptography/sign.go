package cryptography

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignDigest signs a 32-byte digest with the Ethereum personal-sign prefix.
// The worker uses this to sign result hashes; the escrow recovers the
// worker address from the same construction when a relayed submission
// arrives.
func SignDigest(digest [32]byte, privateKey string) (string, error) {
	privateKeyECDSA, err := crypto.HexToECDSA(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}

	prefixed := crypto.Keccak256Hash(
		[]byte("\x19Ethereum Signed Message:\n32"),
		digest[:],
	)

	signature, err := crypto.Sign(prefixed.Bytes(), privateKeyECDSA)
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}
	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// RecoverDigestSigner recovers the address that produced signature over
// digest with SignDigest.
func RecoverDigestSigner(digest [32]byte, signature string) (common.Address, error) {
	signatureBytes, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	if len(signatureBytes) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signatureBytes))
	}

	sig := make([]byte, 65)
	copy(sig, signatureBytes)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	prefixed := crypto.Keccak256Hash(
		[]byte("\x19Ethereum Signed Message:\n32"),
		digest[:],
	)

	pubKeyRaw, err := crypto.Ecrecover(prefixed.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyRaw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyDigestSignature reports whether signature over digest was produced
// by signerAddress.
func VerifyDigestSignature(digest [32]byte, signature string, signerAddress string) (bool, error) {
	recovered, err := RecoverDigestSigner(digest, signature)
	if err != nil {
		return false, err
	}
	return recovered == common.HexToAddress(signerAddress), nil
}
