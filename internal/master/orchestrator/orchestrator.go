// Package orchestrator drives a task end to end on the master side:
// select a worker, sign the authorization, push it, commit escrow, await
// the worker's proof, and settle through the gasless relay.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/axonhive/axonhive-backend/internal/master/discovery"
	"github.com/axonhive/axonhive-backend/internal/master/metrics"
	"github.com/axonhive/axonhive-backend/internal/master/pipeline"
	"github.com/axonhive/axonhive-backend/internal/master/selection"
	"github.com/axonhive/axonhive-backend/internal/master/tasks"
	"github.com/axonhive/axonhive-backend/pkg/authz"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// ChainClient is the slice of the contract gateway the orchestrator uses.
type ChainClient interface {
	DepositTask(ctx context.Context, taskID common.Hash, worker common.Address, duration time.Duration, amount *big.Int) (common.Hash, error)
	SubmitWorkRelayed(ctx context.Context, taskID common.Hash, resultHash []byte, workerSignature string) (common.Hash, error)
}

// WorkerClient talks to a worker's HTTP surface.
type WorkerClient interface {
	GetJSON(ctx context.Context, url string, out interface{}) error
	PostJSON(ctx context.Context, url string, payload interface{}, out interface{}) error
}

// WorkerSource yields the current market view.
type WorkerSource interface {
	Workers(ctx context.Context) ([]discovery.WorkerView, error)
}

// Config fixes the handshake and settlement timing.
type Config struct {
	AuthorizationTTL time.Duration
	TaskDuration     time.Duration
	ResultTimeout    time.Duration
	ProofPollEvery   time.Duration
}

// Orchestrator owns the master-side task flow.
type Orchestrator struct {
	repo     tasks.Repository
	source   WorkerSource
	selector *selection.Selector
	signer   *authz.Signer
	chain    ChainClient
	workers  WorkerClient
	cfg      Config
	logger   logging.Logger

	nonce atomic.Uint64
}

func New(
	repo tasks.Repository,
	source WorkerSource,
	selector *selection.Selector,
	signer *authz.Signer,
	chainClient ChainClient,
	workerClient WorkerClient,
	cfg Config,
	logger logging.Logger,
) *Orchestrator {
	if cfg.AuthorizationTTL <= 0 {
		cfg.AuthorizationTTL = 10 * time.Minute
	}
	if cfg.TaskDuration <= 0 {
		cfg.TaskDuration = 15 * time.Minute
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 5 * time.Minute
	}
	if cfg.ProofPollEvery <= 0 {
		cfg.ProofPollEvery = 2 * time.Second
	}

	o := &Orchestrator{
		repo:     repo,
		source:   source,
		selector: selector,
		signer:   signer,
		chain:    chainClient,
		workers:  workerClient,
		cfg:      cfg,
		logger:   logger,
	}
	// Nonces only need to be unique per signer within the verifier's
	// lifetime; seeding from the clock keeps them unique across master
	// restarts too.
	o.nonce.Store(uint64(time.Now().UnixNano()))
	return o
}

// Request describes one unit of purchasable work.
type Request struct {
	ServiceType     string
	Input           json.RawMessage
	BudgetWei       *big.Int
	PreferredWorker *common.Address
}

// authorizationPush is the payload POSTed to the worker.
type authorizationPush struct {
	Authorization *authz.Authorization `json:"authorization"`
	ServiceType   string               `json:"service_type"`
	Payload       json.RawMessage      `json:"payload"`
}

// proofResponse is the worker's pickup-able settlement proof.
type proofResponse struct {
	TaskID     string `json:"task_id"`
	ResultHash string `json:"result_hash"`
	Signature  string `json:"signature"`
}

// resultResponse is the worker's full result document.
type resultResponse struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

// Execute runs the full hire cycle and returns the settled task with its
// output. The returned task is always persisted, whatever the outcome.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*tasks.Task, json.RawMessage, error) {
	taskID := NewTaskID()
	deadline := time.Now().Add(o.cfg.TaskDuration)
	task := tasks.New(taskID, req.ServiceType, req.Input, req.BudgetWei.String(), deadline)
	metrics.TasksCreatedTotal.Inc()

	views, err := o.source.Workers(ctx)
	if err != nil {
		return o.failTask(task, fmt.Sprintf("worker discovery failed: %v", err))
	}
	candidate, err := o.selector.Select(views, selection.Request{
		ServiceType:     req.ServiceType,
		Budget:          req.BudgetWei,
		PreferredWorker: req.PreferredWorker,
	})
	if err != nil {
		return o.failTask(task, err.Error())
	}

	worker := candidate.Worker.Address
	endpoint := candidate.Worker.Endpoint
	if err := task.Assign(worker, endpoint); err != nil {
		return o.failTask(task, err.Error())
	}

	o.logger.Info("Worker selected",
		"task_id", taskID.Hex(),
		"worker", worker.Hex(),
		"service_type", req.ServiceType,
		"price_wei", candidate.Service.PriceWei,
	)

	// Sign the authorization before touching the chain: a signing failure
	// must not leave funds in escrow.
	expiresAt := time.Now().Add(o.cfg.AuthorizationTTL)
	nonce := o.nonce.Add(1)
	authorization, err := o.signer.Sign(taskID, worker, expiresAt, nonce)
	if err != nil {
		return o.failTask(task, fmt.Sprintf("authorization signing failed: %v", err))
	}
	task.AuthorizationSignature = authorization.Signature
	task.AuthorizationNonce = nonce
	task.AuthorizationExpiresAt = expiresAt

	// Push first, then deposit. The worker tolerates either order, but
	// pushing first means it usually holds the authorization by the time
	// the deposit event lands.
	push := authorizationPush{
		Authorization: authorization,
		ServiceType:   req.ServiceType,
		Payload:       req.Input,
	}
	if err := o.workers.PostJSON(ctx, endpoint+"/authorize/"+taskID.Hex(), push, nil); err != nil {
		return o.failTask(task, fmt.Sprintf("authorization push failed: %v", err))
	}

	depositTx, err := o.chain.DepositTask(ctx, taskID, worker, o.cfg.TaskDuration, req.BudgetWei)
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("failure").Inc()
		return o.failTask(task, fmt.Sprintf("escrow deposit failed: %v", err))
	}
	metrics.DepositsTotal.WithLabelValues("success").Inc()
	task.EscrowTxHash = depositTx.Hex()
	o.transition(task, tasks.StatusCreated)
	o.transition(task, tasks.StatusAuthorized)
	o.transition(task, tasks.StatusRunning)
	o.save(task)

	o.logger.Info("Escrow deposited",
		"task_id", taskID.Hex(),
		"tx_hash", depositTx.Hex(),
		"amount_wei", req.BudgetWei.String(),
	)

	proof, err := o.awaitProof(ctx, endpoint, taskID)
	if err != nil {
		return o.failTask(task, err.Error())
	}

	resultHash, err := decodeHash(proof.ResultHash)
	if err != nil {
		return o.failTask(task, fmt.Sprintf("worker proof carries a malformed result hash: %v", err))
	}

	relayTx, err := o.chain.SubmitWorkRelayed(ctx, taskID, resultHash, proof.Signature)
	if err != nil {
		metrics.RelaySubmissionsTotal.WithLabelValues("failure").Inc()
		return o.failTask(task, fmt.Sprintf("relay submission failed: %v", err))
	}
	metrics.RelaySubmissionsTotal.WithLabelValues("success").Inc()

	var result resultResponse
	if err := o.workers.GetJSON(ctx, endpoint+"/result/"+taskID.Hex(), &result); err != nil {
		return o.failTask(task, fmt.Sprintf("result fetch failed after relay: %v", err))
	}

	task.ResultHash = proof.ResultHash
	task.Result = result.Output
	o.transition(task, tasks.StatusCompleted)
	metrics.TasksByTerminalStatus.WithLabelValues("completed").Inc()
	o.save(task)

	o.logger.Info("Task completed",
		"task_id", taskID.Hex(),
		"relay_tx", relayTx.Hex(),
		"result_hash", proof.ResultHash,
	)
	return task, result.Output, nil
}

// awaitProof polls the worker's proof endpoint until it yields or the
// result timeout expires. The timeout marks the task failed rather than
// hanging; escrow recovery is the refund sweep's job, not a retry here.
func (o *Orchestrator) awaitProof(ctx context.Context, endpoint string, taskID common.Hash) (*proofResponse, error) {
	deadline := time.NewTimer(o.cfg.ResultTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.ProofPollEvery)
	defer ticker.Stop()

	url := endpoint + "/proof/" + taskID.Hex()
	for {
		var proof proofResponse
		if err := o.workers.GetJSON(ctx, url, &proof); err == nil && proof.ResultHash != "" {
			return &proof, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("proof wait cancelled: %w", ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("worker produced no proof within %s", o.cfg.ResultTimeout)
		case <-ticker.C:
		}
	}
}

// RunStep lets the orchestrator serve as the pipeline executor's runner:
// each step is a full hire cycle against its assigned or discovered
// worker.
func (o *Orchestrator) RunStep(ctx context.Context, step pipeline.Step, input json.RawMessage) (json.RawMessage, error) {
	budget, ok := new(big.Int).SetString(step.BudgetWei, 10)
	if !ok || step.BudgetWei == "" {
		return nil, fmt.Errorf("step %s has no usable budget", step.StepID)
	}
	_, output, err := o.Execute(ctx, Request{
		ServiceType:     step.ServiceType,
		Input:           input,
		BudgetWei:       budget,
		PreferredWorker: step.AssignedWorker,
	})
	return output, err
}

func (o *Orchestrator) failTask(task *tasks.Task, reason string) (*tasks.Task, json.RawMessage, error) {
	if err := task.Fail(reason); err != nil {
		o.logger.Warn("Could not mark task failed", "task_id", task.TaskID.Hex(), "error", err)
	} else {
		metrics.TasksByTerminalStatus.WithLabelValues("failed").Inc()
	}
	o.save(task)
	return task, nil, fmt.Errorf("%s", reason)
}

func (o *Orchestrator) transition(task *tasks.Task, to tasks.Status) {
	if err := task.Transition(to); err != nil {
		o.logger.Warn("Task transition rejected", "task_id", task.TaskID.Hex(), "error", err)
	}
}

func (o *Orchestrator) save(task *tasks.Task) {
	if err := o.repo.Save(task); err != nil {
		o.logger.Error("Failed to persist task record", "task_id", task.TaskID.Hex(), "error", err)
	}
}

// NewTaskID derives a fresh 32-byte task id.
func NewTaskID() common.Hash {
	id := uuid.New()
	return crypto.Keccak256Hash(id[:], big.NewInt(time.Now().UnixNano()).Bytes())
}

func decodeHash(hexStr string) ([]byte, error) {
	raw, err := hexutil.Decode(hexStr)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
