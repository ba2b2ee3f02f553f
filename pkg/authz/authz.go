// Package authz implements the typed authorization handshake between master
// and worker. The master signs an EIP-712 TaskAuthorization binding a task
// id to a single worker with an expiry and a nonce; the worker verifies the
// signature before touching the task. A (signer, nonce) pair is consumable
// exactly once per process lifetime.
package authz

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrWorkerMismatch   = errors.New("authorization bound to a different worker")
	ErrExpired          = errors.New("authorization expired")
	ErrNonceReused      = errors.New("authorization nonce already used")
	ErrSignerMismatch   = errors.New("authorization signed by unexpected signer")
	ErrSignatureInvalid = errors.New("authorization signature invalid")
)

const (
	domainName    = "AxonHive"
	domainVersion = "1"

	primaryType = "TaskAuthorization"
)

var authorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TaskAuthorization": {
		{Name: "taskId", Type: "bytes32"},
		{Name: "worker", Type: "address"},
		{Name: "expiresAt", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Message is the typed payload the master signs.
type Message struct {
	TaskID    common.Hash    `json:"taskId"`
	Worker    common.Address `json:"worker"`
	ExpiresAt int64          `json:"expiresAt"` // unix seconds, hard boundary at verification time
	Nonce     uint64         `json:"nonce"`
}

// Authorization is the signed message as pushed to the worker.
type Authorization struct {
	Message   Message        `json:"message"`
	Signature string         `json:"signature"`
	Signer    common.Address `json:"signer"`
}

// Domain identifies the signing context. Both sides must agree on every
// field or no signature will verify.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (d Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           (*ethmath.HexOrDecimal256)(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// digest computes the EIP-712 signing hash for msg under domain d.
func digest(d Domain, msg Message) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: primaryType,
		Domain:      d.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"taskId":    hexutil.Encode(msg.TaskID[:]),
			"worker":    msg.Worker.Hex(),
			"expiresAt": new(big.Int).SetInt64(msg.ExpiresAt).String(),
			"nonce":     new(big.Int).SetUint64(msg.Nonce).String(),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return hash, nil
}
