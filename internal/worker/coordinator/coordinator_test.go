package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonhive/axonhive-backend/internal/worker/capabilities"
	"github.com/axonhive/axonhive-backend/pkg/authz"
	"github.com/axonhive/axonhive-backend/pkg/canonical"
	"github.com/axonhive/axonhive-backend/pkg/chain"
	"github.com/axonhive/axonhive-backend/pkg/cryptography"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

const (
	masterKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	workerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var testDomain = authz.Domain{
	ChainID:           big.NewInt(11155111),
	VerifyingContract: common.HexToAddress("0xe5"),
}

type stubCapability struct {
	id     string
	output json.RawMessage
	err    error
	mu     sync.Mutex
	calls  int
}

func (s *stubCapability) Descriptor() capabilities.Descriptor {
	return capabilities.Descriptor{ServiceID: s.id, PriceWei: "1"}
}

func (s *stubCapability) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.output, s.err
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []common.Hash
	err       error
}

func (f *fakeSubmitter) SubmitWork(ctx context.Context, taskID common.Hash, resultHash []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.submitted = append(f.submitted, taskID)
	return common.HexToHash("0x5555"), nil
}

type fixture struct {
	coordinator *Coordinator
	signer      *authz.Signer
	capability  *stubCapability
	registry    *capabilities.Registry
	submitter   *fakeSubmitter
	worker      common.Address
	nonce       uint64
}

func newFixture(t *testing.T, mode SubmitMode) *fixture {
	t.Helper()
	signer, err := authz.NewSigner(masterKey, testDomain)
	require.NoError(t, err)

	workerPriv, err := crypto.HexToECDSA(workerKey)
	require.NoError(t, err)
	workerAddr := crypto.PubkeyToAddress(workerPriv.PublicKey)

	capability := &stubCapability{
		id:     "image-generation",
		output: json.RawMessage(`{"url":"ipfs://Qm","b":2,"a":1}`),
	}
	registry := capabilities.NewRegistry()
	registry.Register(capability)

	submitter := &fakeSubmitter{}
	coordinator := New(authz.NewVerifier(testDomain), registry, submitter, nil, Config{
		WorkerAddress:     workerAddr,
		PrivateKey:        workerKey,
		SubmitMode:        mode,
		AuthorizationWait: 50 * time.Millisecond,
	}, logging.NewNoOpLogger())

	return &fixture{
		coordinator: coordinator,
		signer:      signer,
		capability:  capability,
		registry:    registry,
		submitter:   submitter,
		worker:      workerAddr,
	}
}

func (f *fixture) push(t *testing.T, taskID common.Hash) *AuthorizationPush {
	t.Helper()
	f.nonce++
	auth, err := f.signer.Sign(taskID, f.worker, time.Now().Add(time.Minute), f.nonce)
	require.NoError(t, err)
	return &AuthorizationPush{
		Authorization: auth,
		ServiceType:   "image-generation",
		Payload:       json.RawMessage(`{"prompt":"a fox"}`),
	}
}

func (f *fixture) deposit(taskID common.Hash) *chain.TaskCreatedEvent {
	return &chain.TaskCreatedEvent{
		TaskID: taskID,
		Master: f.signer.Address(),
		Worker: f.worker,
		Amount: big.NewInt(1000),
	}
}

func waitForState(t *testing.T, c *Coordinator, taskID common.Hash, want TaskState) *TaskRecord {
	t.Helper()
	var record *TaskRecord
	require.Eventually(t, func() bool {
		got, ok := c.Record(taskID)
		if !ok {
			return false
		}
		record = got
		return got.State == want
	}, 2*time.Second, 10*time.Millisecond, "want state %s", want)
	return record
}

func TestDepositThenAuthorization(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x01")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, f.push(t, taskID)))

	record := waitForState(t, f.coordinator, taskID, StateSubmitted)
	assert.NotEmpty(t, record.ResultHash)
	assert.NotEmpty(t, record.ProofSignature)
	assert.Empty(t, record.SubmissionTxHash, "relay mode leaves submission to the master")

	// The proof signature recovers to this worker over the result hash.
	hash, signature, ok := f.coordinator.Proof(taskID)
	require.True(t, ok)
	var digest [32]byte
	copy(digest[:], common.HexToHash(hash).Bytes())
	recovered, err := cryptography.RecoverDigestSigner(digest, signature)
	require.NoError(t, err)
	assert.Equal(t, f.worker, recovered)
}

func TestAuthorizationThenDeposit(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x02")

	// Push lands before the chain event: parked, nothing executes.
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, f.push(t, taskID)))
	_, ok := f.coordinator.Record(taskID)
	assert.False(t, ok)

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	waitForState(t, f.coordinator, taskID, StateSubmitted)
	f.capability.mu.Lock()
	assert.Equal(t, 1, f.capability.calls)
	f.capability.mu.Unlock()
}

func TestResultHashIsCanonical(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x03")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, f.push(t, taskID)))
	record := waitForState(t, f.coordinator, taskID, StateSubmitted)

	// Key order in the capability output must not matter.
	digest, err := canonical.Hash(json.RawMessage(`{"a":1,"b":2,"url":"ipfs://Qm"}`))
	require.NoError(t, err)
	assert.Equal(t, common.BytesToHash(digest[:]).Hex(), record.ResultHash)
}

func TestReusedNonceRejected(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()

	first := common.HexToHash("0x04")
	f.coordinator.HandleEvent(ctx, f.deposit(first))
	require.NoError(t, f.coordinator.HandleAuthorization(first, f.push(t, first)))
	waitForState(t, f.coordinator, first, StateSubmitted)

	// A second task authorized with the already-burned nonce fails
	// verification.
	second := common.HexToHash("0x14")
	auth, err := f.signer.Sign(second, f.worker, time.Now().Add(time.Minute), f.nonce)
	require.NoError(t, err)
	f.coordinator.HandleEvent(ctx, f.deposit(second))
	require.NoError(t, f.coordinator.HandleAuthorization(second, &AuthorizationPush{
		Authorization: auth,
		ServiceType:   "image-generation",
		Payload:       json.RawMessage(`{}`),
	}))

	record := waitForState(t, f.coordinator, second, StateFailed)
	assert.Contains(t, record.Error, "authorization rejected")
}

func TestWrongSignerRejected(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x05")

	intruder, err := authz.NewSigner(workerKey, testDomain)
	require.NoError(t, err)
	auth, err := intruder.Sign(taskID, f.worker, time.Now().Add(time.Minute), 99)
	require.NoError(t, err)

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, &AuthorizationPush{
		Authorization: auth,
		ServiceType:   "image-generation",
		Payload:       json.RawMessage(`{}`),
	}))

	record := waitForState(t, f.coordinator, taskID, StateFailed)
	assert.Contains(t, record.Error, "authorization rejected")
	f.capability.mu.Lock()
	assert.Zero(t, f.capability.calls)
	f.capability.mu.Unlock()
}

func TestMismatchedTaskIDRejectedAtPush(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	push := f.push(t, common.HexToHash("0x06"))
	err := f.coordinator.HandleAuthorization(common.HexToHash("0x07"), push)
	assert.Error(t, err)
}

func TestNoAuthorizationTimesOut(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	taskID := common.HexToHash("0x08")

	f.coordinator.HandleEvent(context.Background(), f.deposit(taskID))
	record := waitForState(t, f.coordinator, taskID, StateFailed)
	assert.Contains(t, record.Error, "no authorization received")
}

func TestDirectModeSubmitsOnChain(t *testing.T) {
	f := newFixture(t, SubmitDirect)
	ctx := context.Background()
	taskID := common.HexToHash("0x09")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, f.push(t, taskID)))

	record := waitForState(t, f.coordinator, taskID, StateSubmitted)
	assert.NotEmpty(t, record.SubmissionTxHash)
	f.submitter.mu.Lock()
	assert.Equal(t, []common.Hash{taskID}, f.submitter.submitted)
	f.submitter.mu.Unlock()
}

func TestCompletedEventClosesRecord(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x0a")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, f.push(t, taskID)))
	waitForState(t, f.coordinator, taskID, StateSubmitted)

	f.coordinator.HandleEvent(ctx, &chain.TaskCompletedEvent{
		TaskID: taskID,
		TxHash: common.HexToHash("0x6666"),
	})
	record := waitForState(t, f.coordinator, taskID, StateCompleted)
	assert.Equal(t, common.HexToHash("0x6666").Hex(), record.SubmissionTxHash)
}

func TestRefundEventFailsRecord(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x0b")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	f.coordinator.HandleEvent(ctx, &chain.TaskRefundedEvent{TaskID: taskID})

	record, ok := f.coordinator.Record(taskID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, record.State)
}

func TestCapabilityFailureFailsRecord(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	f.capability.err = errors.New("agent exploded")
	ctx := context.Background()
	taskID := common.HexToHash("0x0c")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, f.push(t, taskID)))

	record := waitForState(t, f.coordinator, taskID, StateFailed)
	assert.Contains(t, record.Error, "capability execution failed")

	// No proof for a failed task.
	_, _, ok := f.coordinator.Proof(taskID)
	assert.False(t, ok)
}

func TestForeignDepositsIgnored(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ev := f.deposit(common.HexToHash("0x0d"))
	ev.Worker = common.HexToAddress("0x99")

	f.coordinator.HandleEvent(context.Background(), ev)
	_, ok := f.coordinator.Record(ev.TaskID)
	assert.False(t, ok)
}

// ctxCapability honors cancellation the way real agent-backed
// capabilities do: it aborts as soon as its context dies.
type ctxCapability struct {
	id    string
	delay time.Duration
}

func (c *ctxCapability) Descriptor() capabilities.Descriptor {
	return capabilities.Descriptor{ServiceID: c.id, PriceWei: "1"}
}

func (c *ctxCapability) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.delay):
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func TestSlowCapabilityFinishesAfterPushAccepted(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	f.registry.Register(&ctxCapability{id: "researcher", delay: 30 * time.Millisecond})

	events := make(chan chain.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.coordinator.Start(ctx, events)

	taskID := common.HexToHash("0x0e")
	events <- f.deposit(taskID)
	require.Eventually(t, func() bool {
		_, ok := f.coordinator.Record(taskID)
		return ok
	}, time.Second, 5*time.Millisecond)

	// HandleAuthorization returns before the capability does; execution
	// must keep running on the coordinator's own context rather than die
	// with the caller's.
	f.nonce++
	auth, err := f.signer.Sign(taskID, f.worker, time.Now().Add(time.Minute), f.nonce)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, &AuthorizationPush{
		Authorization: auth,
		ServiceType:   "researcher",
		Payload:       json.RawMessage(`{"topic":"solar"}`),
	}))

	record := waitForState(t, f.coordinator, taskID, StateSubmitted)
	assert.NotEmpty(t, record.ProofSignature)
	f.coordinator.Stop()
}

func TestRedeliveredPushLeavesSubmittedRecordIntact(t *testing.T) {
	f := newFixture(t, SubmitRelay)
	ctx := context.Background()
	taskID := common.HexToHash("0x0f")

	f.coordinator.HandleEvent(ctx, f.deposit(taskID))
	push := f.push(t, taskID)
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, push))
	record := waitForState(t, f.coordinator, taskID, StateSubmitted)
	proof := record.ProofSignature

	// The HTTP client retries POSTs on transport errors, so the same push
	// can land twice. The duplicate is accepted and dropped: no second
	// execution, no nonce-reuse failure clobbering the stored proof.
	require.NoError(t, f.coordinator.HandleAuthorization(taskID, push))
	time.Sleep(50 * time.Millisecond)

	record, ok := f.coordinator.Record(taskID)
	require.True(t, ok)
	assert.Equal(t, StateSubmitted, record.State)
	assert.Equal(t, proof, record.ProofSignature)
	f.capability.mu.Lock()
	assert.Equal(t, 1, f.capability.calls)
	f.capability.mu.Unlock()
}
