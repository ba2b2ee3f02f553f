package authz

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDomain = Domain{
	ChainID:           big.NewInt(84532),
	VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000e5"),
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(common.Bytes2Hex(crypto.FromECDSA(key)), testDomain)
	require.NoError(t, err)
	return signer
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)

	taskID := common.HexToHash("0x01")
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(taskID, worker, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)

	err = verifier.Verify(auth, signer.Address(), worker)
	assert.NoError(t, err)
}

func TestNonceIsSingleUse(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(common.HexToHash("0x01"), worker, time.Now().Add(time.Hour), 7)
	require.NoError(t, err)

	require.NoError(t, verifier.Verify(auth, signer.Address(), worker))

	err = verifier.Verify(auth, signer.Address(), worker)
	assert.ErrorIs(t, err, ErrNonceReused)
}

func TestNonceConsumptionIsSerializedUnderConcurrency(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(common.HexToHash("0x02"), worker, time.Now().Add(time.Hour), 9)
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- verifier.Verify(auth, signer.Address(), worker)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNonceReused)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestExpiredAuthorizationFails(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(common.HexToHash("0x01"), worker, time.Now().Add(-time.Second), 1)
	require.NoError(t, err)

	err = verifier.Verify(auth, signer.Address(), worker)
	assert.ErrorIs(t, err, ErrExpired)

	// Expiry failure must not burn the nonce.
	assert.False(t, verifier.Nonces().IsConsumed(signer.Address(), 1))
}

func TestWorkerMismatchFails(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)

	auth, err := signer.Sign(common.HexToHash("0x01"),
		common.HexToAddress("0xabc0000000000000000000000000000000000001"),
		time.Now().Add(time.Hour), 1)
	require.NoError(t, err)

	err = verifier.Verify(auth, signer.Address(),
		common.HexToAddress("0xabc0000000000000000000000000000000000002"))
	assert.ErrorIs(t, err, ErrWorkerMismatch)
}

func TestSignerMismatchFails(t *testing.T) {
	signer := newTestSigner(t)
	otherSigner := newTestSigner(t)
	verifier := NewVerifier(testDomain)
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(common.HexToHash("0x01"), worker, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)

	err = verifier.Verify(auth, otherSigner.Address(), worker)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestTamperedSignatureFails(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(common.HexToHash("0x01"), worker, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)

	// Flipping a message field invalidates the signature against it.
	auth.Message.Nonce = 2

	err = verifier.Verify(auth, signer.Address(), worker)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestMalformedSignatureFails(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testDomain)
	worker := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	auth, err := signer.Sign(common.HexToHash("0x01"), worker, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	auth.Signature = "0x0102"

	err = verifier.Verify(auth, signer.Address(), worker)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestNonceRegistryReset(t *testing.T) {
	registry := NewNonceRegistry()
	signer := common.HexToAddress("0xabc0000000000000000000000000000000000001")

	assert.True(t, registry.Consume(signer, 1))
	assert.False(t, registry.Consume(signer, 1))

	registry.Reset()
	assert.True(t, registry.Consume(signer, 1))
}
