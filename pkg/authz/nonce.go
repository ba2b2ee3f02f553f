package authz

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceRegistry tracks consumed (signer, nonce) pairs. Consumption is
// irreversible within the process lifetime; Reset exists for tests only.
type NonceRegistry struct {
	mu       sync.Mutex
	consumed map[string]struct{}
}

func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{
		consumed: make(map[string]struct{}),
	}
}

// Consume marks (signer, nonce) as used. Returns false if the pair was
// already consumed.
func (r *NonceRegistry) Consume(signer common.Address, nonce uint64) bool {
	key := nonceKey(signer, nonce)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, used := r.consumed[key]; used {
		return false
	}
	r.consumed[key] = struct{}{}
	return true
}

// IsConsumed reports whether (signer, nonce) has been used.
func (r *NonceRegistry) IsConsumed(signer common.Address, nonce uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, used := r.consumed[nonceKey(signer, nonce)]
	return used
}

// Reset clears all consumed nonces. Tests only.
func (r *NonceRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consumed = make(map[string]struct{})
}

func nonceKey(signer common.Address, nonce uint64) string {
	return fmt.Sprintf("%s|%d", signer.Hex(), nonce)
}
