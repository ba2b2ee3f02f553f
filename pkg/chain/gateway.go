package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/axonhive/axonhive-backend/pkg/logging"
)

var (
	// ErrInsufficientBalance is fatal: a deposit must never be attempted
	// with less balance than the escrow amount plus headroom for gas.
	ErrInsufficientBalance = errors.New("insufficient balance for escrow deposit")
)

// Config holds the gateway's connection and signing parameters.
type Config struct {
	RPCURL          string
	ChainID         *big.Int
	RegistryAddress common.Address
	EscrowAddress   common.Address
	PrivateKey      string // hex, no 0x prefix; empty for read-only gateways
}

// Gateway provides typed read/write access to the Registry and Escrow
// contracts. Event detection lives in EventPoller; the gateway only does
// point reads and transactions.
type Gateway struct {
	client     *ethclient.Client
	registry   *bind.BoundContract
	escrow     *bind.BoundContract
	escrowABI  abi.ABI
	cfg        Config
	privateKey *ecdsa.PrivateKey
	address    common.Address
	logger     logging.Logger
}

// NewGateway dials the RPC endpoint and binds both contracts.
func NewGateway(cfg Config, logger logging.Logger) (*Gateway, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC %s: %w", cfg.RPCURL, err)
	}

	registryParsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	escrowParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	g := &Gateway{
		client:    client,
		registry:  bind.NewBoundContract(cfg.RegistryAddress, registryParsed, client, client, client),
		escrow:    bind.NewBoundContract(cfg.EscrowAddress, escrowParsed, client, client, client),
		escrowABI: escrowParsed,
		cfg:       cfg,
		logger:    logger,
	}

	if cfg.PrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		g.privateKey = privateKey
		g.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	return g, nil
}

// Client exposes the underlying eth client (log source for pollers, tx
// fetcher for the payment gate).
func (g *Gateway) Client() *ethclient.Client {
	return g.client
}

// Address returns the transacting address, zero for read-only gateways.
func (g *Gateway) Address() common.Address {
	return g.address
}

// EscrowABI returns the parsed escrow ABI for event decoding.
func (g *Gateway) EscrowABI() abi.ABI {
	return g.escrowABI
}

// --- Registry reads ---

// GetWorker fetches a worker's registry record.
func (g *Gateway) GetWorker(ctx context.Context, worker common.Address) (*WorkerRecord, error) {
	var out []interface{}
	if err := g.registry.Call(&bind.CallOpts{Context: ctx}, &out, "workers", worker); err != nil {
		return nil, fmt.Errorf("failed to read worker %s: %w", worker.Hex(), err)
	}

	record := &WorkerRecord{
		Address:         worker,
		MetadataPointer: out[0].([32]byte),
		Reputation:      out[1].(*big.Int),
		IsActive:        out[2].(bool),
	}
	if ts := out[3].(*big.Int); ts.Sign() > 0 {
		record.RegistrationTime = time.Unix(ts.Int64(), 0).UTC()
	}
	return record, nil
}

// GetAllWorkers reads the registry's enumeration. Entries are bytes32 with
// the address right-aligned in the low 20 bytes.
func (g *Gateway) GetAllWorkers(ctx context.Context) ([]common.Address, error) {
	var out []interface{}
	if err := g.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getAllWorkers"); err != nil {
		return nil, fmt.Errorf("failed to enumerate workers: %w", err)
	}

	packed := out[0].([][32]byte)
	addresses := make([]common.Address, 0, len(packed))
	for _, entry := range packed {
		addresses = append(addresses, common.BytesToAddress(entry[12:]))
	}
	return addresses, nil
}

// IsWorkerActive reads the registry's active flag.
func (g *Gateway) IsWorkerActive(ctx context.Context, worker common.Address) (bool, error) {
	var out []interface{}
	if err := g.registry.Call(&bind.CallOpts{Context: ctx}, &out, "isWorkerActive", worker); err != nil {
		return false, fmt.Errorf("failed to read worker active flag: %w", err)
	}
	return out[0].(bool), nil
}

// RegisterWorker registers the gateway's own address with a metadata pointer.
func (g *Gateway) RegisterWorker(ctx context.Context, metadataPointer common.Hash) (common.Hash, error) {
	opts, err := g.transactOpts(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := g.registry.Transact(opts, "register", [32]byte(metadataPointer))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to register worker: %w", err)
	}
	return tx.Hash(), nil
}

// SlashReputation lowers a worker's reputation after a refund.
func (g *Gateway) SlashReputation(ctx context.Context, worker common.Address) (common.Hash, error) {
	opts, err := g.transactOpts(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := g.registry.Transact(opts, "slashReputation", worker)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to slash reputation for %s: %w", worker.Hex(), err)
	}
	return tx.Hash(), nil
}

// --- Escrow reads ---

// GetTask fetches the escrow's task record.
func (g *Gateway) GetTask(ctx context.Context, taskID common.Hash) (*OnChainTask, error) {
	var out []interface{}
	if err := g.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "tasks", [32]byte(taskID)); err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", taskID.Hex(), err)
	}

	task := &OnChainTask{
		TaskID: taskID,
		Master: out[0].(common.Address),
		Worker: out[1].(common.Address),
		Amount: out[2].(*big.Int),
		Status: TaskStatus(out[4].(uint8)),
	}
	if deadline := out[3].(*big.Int); deadline.Sign() > 0 {
		task.Deadline = time.Unix(deadline.Int64(), 0).UTC()
	}
	return task, nil
}

// --- Escrow writes ---

// DepositTask locks amount in escrow for (taskID, worker) with the given
// duration. The balance preflight makes an underfunded deposit fail before
// it reaches the chain.
func (g *Gateway) DepositTask(ctx context.Context, taskID common.Hash, worker common.Address, duration time.Duration, amount *big.Int) (common.Hash, error) {
	balance, err := g.client.BalanceAt(ctx, g.address, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}

	opts, err := g.transactOpts(ctx, amount)
	if err != nil {
		return common.Hash{}, err
	}

	durationSeconds := new(big.Int).SetInt64(int64(duration / time.Second))
	tx, err := g.escrow.Transact(opts, "depositTask", [32]byte(taskID), worker, durationSeconds)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to deposit task %s: %w", taskID.Hex(), err)
	}

	g.logger.Info("Escrow deposit submitted",
		"task_id", taskID.Hex(),
		"worker", worker.Hex(),
		"amount", amount.String(),
		"tx_hash", tx.Hash().Hex(),
	)
	return tx.Hash(), nil
}

// SubmitWork submits a result hash directly; the caller pays gas.
func (g *Gateway) SubmitWork(ctx context.Context, taskID common.Hash, resultHash []byte) (common.Hash, error) {
	opts, err := g.transactOpts(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := g.escrow.Transact(opts, "submitWork", [32]byte(taskID), resultHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to submit work for task %s: %w", taskID.Hex(), err)
	}
	return tx.Hash(), nil
}

// SubmitWorkRelayed submits a worker's result on its behalf. The worker's
// signature over the result hash is the authenticity proof; the relaying
// master pays the gas.
func (g *Gateway) SubmitWorkRelayed(ctx context.Context, taskID common.Hash, resultHash []byte, workerSignature string) (common.Hash, error) {
	signature, err := hexutil.Decode(workerSignature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid worker signature: %w", err)
	}

	opts, err := g.transactOpts(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := g.escrow.Transact(opts, "submitWorkRelayed", [32]byte(taskID), resultHash, signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to relay work for task %s: %w", taskID.Hex(), err)
	}

	g.logger.Info("Relayed work submission",
		"task_id", taskID.Hex(),
		"tx_hash", tx.Hash().Hex(),
	)
	return tx.Hash(), nil
}

// RefundTask reclaims an expired task's escrow.
func (g *Gateway) RefundTask(ctx context.Context, taskID common.Hash) (common.Hash, error) {
	opts, err := g.transactOpts(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := g.escrow.Transact(opts, "refundTask", [32]byte(taskID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to refund task %s: %w", taskID.Hex(), err)
	}
	return tx.Hash(), nil
}

// WaitMined blocks until the transaction is mined or ctx expires.
func (g *Gateway) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) transactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	if g.privateKey == nil {
		return nil, errors.New("gateway is read-only: no private key configured")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(g.privateKey, g.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value
	return opts, nil
}
