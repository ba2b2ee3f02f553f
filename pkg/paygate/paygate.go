// Package paygate guards paid HTTP entry points with an L402
// challenge-response. A request without a proof header is answered with
// 402 and an invoice; a request carrying `Authorization: L402 <txHash>` is
// admitted only if the referenced transaction pays the configured recipient
// at least the required amount. Each transaction hash unlocks the gate
// exactly once.
package paygate

import (
	"context"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"

	"github.com/axonhive/axonhive-backend/pkg/logging"
)

const (
	authorizationHeader = "Authorization"
	challengeHeader     = "WWW-Authenticate"
	proofScheme         = "L402"
)

const (
	ReasonTxNotFound       = "payment transaction not found"
	ReasonTxPending        = "payment transaction not yet mined"
	ReasonWrongRecipient   = "payment sent to wrong recipient"
	ReasonInsufficientPay  = "payment amount below required price"
	ReasonProofConsumed    = "payment proof already consumed"
	ReasonMalformedProof   = "malformed payment proof header"
	ReasonNoRecipientValue = "payment transaction has no recipient"
)

// TxFetcher is the slice of an eth client the gate needs. *ethclient.Client
// satisfies it.
type TxFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Invoice is the 402 challenge body.
type Invoice struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	ChainID   int64  `json:"chainId"`
}

// Config fixes the price of the guarded action.
type Config struct {
	Amount    *big.Int
	Currency  string
	Recipient common.Address
	ChainID   *big.Int

	// OnChallenge and OnProof, when set, observe gate outcomes. The
	// daemons bind these to their metric counters.
	OnChallenge func()
	OnProof     func(accepted bool)
}

// Gate verifies payment proofs against chain state. Consumed transaction
// hashes are tracked in memory, so a proof unlocks the gate once per
// process lifetime.
type Gate struct {
	cfg      Config
	fetcher  TxFetcher
	logger   logging.Logger
	mu       sync.Mutex
	consumed map[common.Hash]struct{}
}

func NewGate(cfg Config, fetcher TxFetcher, logger logging.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		fetcher:  fetcher,
		logger:   logger,
		consumed: make(map[common.Hash]struct{}),
	}
}

func (g *Gate) invoice() Invoice {
	return Invoice{
		Amount:    g.cfg.Amount.String(),
		Currency:  g.cfg.Currency,
		Recipient: g.cfg.Recipient.Hex(),
		ChainID:   g.cfg.ChainID.Int64(),
	}
}

// Middleware returns the gin handler enforcing the gate.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(authorizationHeader)
		if header == "" {
			g.challenge(c)
			return
		}

		txHash, ok := parseProofHeader(header)
		if !ok {
			g.observeProof(false)
			g.reject(c, ReasonMalformedProof)
			return
		}

		if reason := g.verify(c.Request.Context(), txHash); reason != "" {
			g.observeProof(false)
			g.reject(c, reason)
			return
		}

		g.observeProof(true)
		c.Next()
	}
}

// verify returns an empty string on success, or the rejection reason.
// The hash is consumed only after every check passes, so a rejected proof
// can be retried once its transaction confirms.
func (g *Gate) verify(ctx context.Context, txHash common.Hash) string {
	tx, pending, err := g.fetcher.TransactionByHash(ctx, txHash)
	if err != nil {
		g.logger.Warn("Payment proof lookup failed", "tx_hash", txHash.Hex(), "error", err)
		return ReasonTxNotFound
	}
	if pending {
		return ReasonTxPending
	}
	if tx.To() == nil {
		return ReasonNoRecipientValue
	}
	if *tx.To() != g.cfg.Recipient {
		return ReasonWrongRecipient
	}
	if tx.Value().Cmp(g.cfg.Amount) < 0 {
		return ReasonInsufficientPay
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, used := g.consumed[txHash]; used {
		return ReasonProofConsumed
	}
	g.consumed[txHash] = struct{}{}
	return ""
}

func (g *Gate) observeProof(accepted bool) {
	if g.cfg.OnProof != nil {
		g.cfg.OnProof(accepted)
	}
}

func (g *Gate) challenge(c *gin.Context) {
	if g.cfg.OnChallenge != nil {
		g.cfg.OnChallenge()
	}
	inv := g.invoice()
	c.Header(challengeHeader, proofScheme+` invoice="`+inv.Amount+`", recipient="`+inv.Recipient+`"`)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, inv)
}

func (g *Gate) reject(c *gin.Context, reason string) {
	g.logger.Info("Payment proof rejected", "reason", reason, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": reason})
}

// parseProofHeader extracts the transaction hash from `L402 <txHash>`.
func parseProofHeader(header string) (common.Hash, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], proofScheme) {
		return common.Hash{}, false
	}
	raw := parts[1]
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		return common.Hash{}, false
	}
	return common.HexToHash(raw), true
}
