package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/axonhive/axonhive-backend/internal/worker/capabilities"
	"github.com/axonhive/axonhive-backend/internal/worker/metrics"
	"github.com/axonhive/axonhive-backend/pkg/authz"
	"github.com/axonhive/axonhive-backend/pkg/canonical"
	"github.com/axonhive/axonhive-backend/pkg/chain"
	"github.com/axonhive/axonhive-backend/pkg/cryptography"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// SubmitMode picks how settled results reach the escrow.
type SubmitMode string

const (
	// SubmitRelay stores the signed proof for the master to pick up and
	// relay; the worker pays no gas.
	SubmitRelay SubmitMode = "relay"
	// SubmitDirect has the worker call submitWork itself.
	SubmitDirect SubmitMode = "direct"
)

// EscrowSubmitter is the slice of the contract gateway direct submission
// needs.
type EscrowSubmitter interface {
	SubmitWork(ctx context.Context, taskID common.Hash, resultHash []byte) (common.Hash, error)
}

// ResultPinner archives result documents off-process. Optional.
type ResultPinner interface {
	PinJSON(ctx context.Context, name string, document any) (string, error)
}

// AuthorizationPush is the payload the master POSTs to /authorize/:taskId.
type AuthorizationPush struct {
	Authorization *authz.Authorization `json:"authorization"`
	ServiceType   string               `json:"service_type"`
	Payload       json.RawMessage      `json:"payload"`
}

// Config fixes the coordinator's identity and timing.
type Config struct {
	WorkerAddress common.Address
	// ExpectedMaster, when non-zero, pins the authorization signer.
	// Zero means the depositing master observed on-chain is trusted as
	// the expected signer.
	ExpectedMaster common.Address
	PrivateKey     string
	SubmitMode     SubmitMode
	// AuthorizationWait bounds how long a deposit may sit without its
	// authorization before the task fails.
	AuthorizationWait time.Duration
}

// Coordinator pairs deposits with authorizations and drives execution.
// The push and the chain event arrive independently in either order;
// whichever lands second triggers verification.
type Coordinator struct {
	verifier *authz.Verifier
	registry *capabilities.Registry
	escrow   EscrowSubmitter
	pinner   ResultPinner
	cfg      Config
	logger   logging.Logger

	mu      sync.Mutex
	records map[common.Hash]*TaskRecord
	pushes  map[common.Hash]*AuthorizationPush

	// runCtx scopes executions to the coordinator's lifetime, not to
	// whatever short-lived context delivered the push or event.
	runCtx context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(
	verifier *authz.Verifier,
	registry *capabilities.Registry,
	escrow EscrowSubmitter,
	pinner ResultPinner,
	cfg Config,
	logger logging.Logger,
) *Coordinator {
	if cfg.SubmitMode == "" {
		cfg.SubmitMode = SubmitRelay
	}
	if cfg.AuthorizationWait <= 0 {
		cfg.AuthorizationWait = 2 * time.Minute
	}
	return &Coordinator{
		verifier: verifier,
		registry: registry,
		escrow:   escrow,
		pinner:   pinner,
		cfg:      cfg,
		logger:   logger,
		records:  make(map[common.Hash]*TaskRecord),
		pushes:   make(map[common.Hash]*AuthorizationPush),
		runCtx:   context.Background(),
	}
}

// Start consumes the escrow event stream until ctx ends.
func (c *Coordinator) Start(ctx context.Context, events <-chan chain.Event) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.runCtx = ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				c.HandleEvent(ctx, event)
			}
		}
	}()
}

// Stop cancels the consumer and waits for in-flight executions.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// HandleAuthorization accepts a pushed authorization. If the matching
// deposit was already observed, verification and execution start now;
// otherwise the push is parked until the event arrives. A redelivered
// push for a task already claimed is accepted and dropped: pkg/httpclient
// retries POSTs, so duplicates are routine.
func (c *Coordinator) HandleAuthorization(taskID common.Hash, push *AuthorizationPush) error {
	if push.Authorization == nil {
		return fmt.Errorf("push carries no authorization")
	}
	if push.Authorization.Message.TaskID != taskID {
		return fmt.Errorf("authorization is for task %s, pushed under %s",
			push.Authorization.Message.TaskID.Hex(), taskID.Hex())
	}

	c.mu.Lock()
	record, haveRecord := c.records[taskID]
	if haveRecord && (record.claimed || record.State != StatePending) {
		state := record.State
		c.mu.Unlock()
		c.logger.Info("Duplicate authorization push ignored",
			"task_id", taskID.Hex(),
			"state", string(state),
		)
		return nil
	}
	c.pushes[taskID] = push
	c.mu.Unlock()

	c.logger.Info("Authorization received",
		"task_id", taskID.Hex(),
		"service_type", push.ServiceType,
		"deposit_seen", haveRecord,
	)

	if haveRecord {
		c.launch(record, push)
	}
	return nil
}

// HandleEvent reacts to escrow events addressed to this worker.
func (c *Coordinator) HandleEvent(ctx context.Context, event chain.Event) {
	switch ev := event.(type) {
	case *chain.TaskCreatedEvent:
		c.onCreated(ctx, ev)
	case *chain.TaskCompletedEvent:
		c.onCompleted(ev)
	case *chain.TaskRefundedEvent:
		c.onRefunded(ev)
	}
}

func (c *Coordinator) onCreated(ctx context.Context, ev *chain.TaskCreatedEvent) {
	if ev.Worker != c.cfg.WorkerAddress {
		return
	}
	metrics.TasksObservedTotal.Inc()

	c.mu.Lock()
	if _, exists := c.records[ev.TaskID]; exists {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	record := &TaskRecord{
		TaskID:    ev.TaskID,
		State:     StatePending,
		Master:    ev.Master,
		AmountWei: ev.Amount.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.records[ev.TaskID] = record
	push := c.pushes[ev.TaskID]
	c.mu.Unlock()

	c.logger.Info("Escrow deposit observed",
		"task_id", ev.TaskID.Hex(),
		"master", ev.Master.Hex(),
		"amount_wei", ev.Amount.String(),
		"authorization_seen", push != nil,
	)

	if push != nil {
		c.launch(record, push)
		return
	}
	c.scheduleAuthorizationTimeout(ctx, ev.TaskID)
}

// scheduleAuthorizationTimeout fails the task if its authorization never
// arrives. A deposit without an authorization is unactionable: executing
// would be unpaid trust, so the master's refund path is the way out.
func (c *Coordinator) scheduleAuthorizationTimeout(ctx context.Context, taskID common.Hash) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.AuthorizationWait):
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		record, ok := c.records[taskID]
		if !ok || record.State != StatePending {
			return
		}
		if _, arrived := c.pushes[taskID]; arrived {
			return
		}
		record.fail("no authorization received for deposit")
		c.logger.Warn("Deposit abandoned, no authorization arrived",
			"task_id", taskID.Hex(),
			"waited", c.cfg.AuthorizationWait,
		)
	}()
}

func (c *Coordinator) onCompleted(ev *chain.TaskCompletedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[ev.TaskID]
	if !ok || record.State != StateSubmitted {
		return
	}
	if err := record.transition(StateCompleted); err != nil {
		c.logger.Warn("Failed to complete record", "task_id", ev.TaskID.Hex(), "error", err)
		return
	}
	record.SubmissionTxHash = ev.TxHash.Hex()
	c.logger.Info("Settlement confirmed on-chain", "task_id", ev.TaskID.Hex())
}

func (c *Coordinator) onRefunded(ev *chain.TaskRefundedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[ev.TaskID]
	if !ok || record.State.IsTerminal() {
		return
	}
	record.fail("escrow refunded to master")
	c.logger.Warn("Task refunded before settlement", "task_id", ev.TaskID.Hex())
}

// launch claims the record and executes in the background so event
// handling never blocks on a slow capability. The claim is atomic with
// the state check: concurrent deliveries of the same push get exactly one
// run. Execution runs under the coordinator's own context; the push
// arrives over HTTP and its request context dies as soon as the handler
// responds.
func (c *Coordinator) launch(record *TaskRecord, push *AuthorizationPush) {
	c.mu.Lock()
	if record.claimed || record.State != StatePending {
		c.mu.Unlock()
		return
	}
	record.claimed = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(c.runCtx, record, push)
	}()
}

func (c *Coordinator) process(ctx context.Context, record *TaskRecord, push *AuthorizationPush) {
	expectedSigner := c.cfg.ExpectedMaster
	if expectedSigner == (common.Address{}) {
		expectedSigner = record.Master
	}

	if err := c.verifier.Verify(push.Authorization, expectedSigner, c.cfg.WorkerAddress); err != nil {
		metrics.AuthorizationsTotal.WithLabelValues("rejected").Inc()
		c.failRecord(record, fmt.Sprintf("authorization rejected: %v", err))
		return
	}
	metrics.AuthorizationsTotal.WithLabelValues("accepted").Inc()

	c.mu.Lock()
	if err := record.transition(StateAuthorized); err != nil {
		c.mu.Unlock()
		c.logger.Warn("Record not in pending state", "task_id", record.TaskID.Hex(), "error", err)
		return
	}
	record.ServiceName = push.ServiceType
	record.Payload = push.Payload
	_ = record.transition(StateRunning)
	c.mu.Unlock()

	capability, ok := c.registry.Get(push.ServiceType)
	if !ok {
		c.failRecord(record, fmt.Sprintf("no capability for service %q", push.ServiceType))
		return
	}

	started := time.Now()
	output, err := capability.Execute(ctx, push.Payload)
	metrics.ExecutionDurationSeconds.WithLabelValues(push.ServiceType).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("failure").Inc()
		c.failRecord(record, fmt.Sprintf("capability execution failed: %v", err))
		return
	}
	metrics.ExecutionsTotal.WithLabelValues("success").Inc()

	digest, err := canonical.Hash(output)
	if err != nil {
		c.failRecord(record, fmt.Sprintf("result canonicalization failed: %v", err))
		return
	}

	signature, err := cryptography.SignDigest(digest, c.cfg.PrivateKey)
	if err != nil {
		c.failRecord(record, fmt.Sprintf("result signing failed: %v", err))
		return
	}

	resultCID := c.archive(ctx, record.TaskID, output, digest)

	c.mu.Lock()
	record.Output = output
	record.ResultHash = hexutil.Encode(digest[:])
	record.ProofSignature = signature
	record.ResultCID = resultCID
	c.mu.Unlock()

	if c.cfg.SubmitMode == SubmitDirect {
		txHash, err := c.escrow.SubmitWork(ctx, record.TaskID, digest[:])
		if err != nil {
			c.failRecord(record, fmt.Sprintf("direct submission failed: %v", err))
			return
		}
		c.mu.Lock()
		record.SubmissionTxHash = txHash.Hex()
		c.mu.Unlock()
	}

	c.mu.Lock()
	err = record.transition(StateSubmitted)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("Failed to mark record submitted", "task_id", record.TaskID.Hex(), "error", err)
		return
	}

	c.logger.Info("Result ready",
		"task_id", record.TaskID.Hex(),
		"service", push.ServiceType,
		"result_hash", hexutil.Encode(digest[:]),
		"mode", string(c.cfg.SubmitMode),
	)
}

// archive best-effort pins the result document. Failure only costs the
// CID: settlement carries the hash, not the document.
func (c *Coordinator) archive(ctx context.Context, taskID common.Hash, output json.RawMessage, hash [32]byte) string {
	if c.pinner == nil {
		return ""
	}
	name := fmt.Sprintf("result_%s.json", taskID.Hex())
	cid, err := c.pinner.PinJSON(ctx, name, map[string]any{
		"task_id":     taskID.Hex(),
		"result_hash": hexutil.Encode(hash[:]),
		"output":      output,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Warn("Result pinning failed", "task_id", taskID.Hex(), "error", err)
		return ""
	}
	return cid
}

func (c *Coordinator) failRecord(record *TaskRecord, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record.fail(reason)
	c.logger.Error("Task failed", "task_id", record.TaskID.Hex(), "reason", reason)
}

// Record returns a copy of the task record.
func (c *Coordinator) Record(taskID common.Hash) (*TaskRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[taskID]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// Proof returns the settlement proof once the record is at least
// SUBMITTED.
func (c *Coordinator) Proof(taskID common.Hash) (resultHash, signature string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, found := c.records[taskID]
	if !found || record.ResultHash == "" || record.ProofSignature == "" {
		return "", "", false
	}
	if record.State != StateSubmitted && record.State != StateCompleted {
		return "", "", false
	}
	metrics.ProofsServedTotal.Inc()
	return record.ResultHash, record.ProofSignature, true
}
