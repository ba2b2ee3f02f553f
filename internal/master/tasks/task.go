// Package tasks owns the master-side task record and its status machine.
// The record is a local view over chain state: transitions are validated
// here, but the escrow remains the source of truth and the lifecycle
// monitor reconciles the two.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the master-side task lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCreated    Status = "CREATED"
	StatusAuthorized Status = "AUTHORIZED"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusRefunded   Status = "REFUNDED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// validTransitions is the full transition table. Terminal states have no
// entry: they are final.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusCreated, StatusFailed},
	StatusCreated:    {StatusAuthorized, StatusRefunded, StatusFailed},
	StatusAuthorized: {StatusRunning, StatusCompleted, StatusRefunded, StatusFailed},
	StatusRunning:    {StatusCompleted, StatusRefunded, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is the master-owned task record.
type Task struct {
	TaskID          common.Hash     `json:"task_id"`
	TaskType        string          `json:"task_type"`
	InputParameters json.RawMessage `json:"input_parameters"`
	Budget          string          `json:"budget"` // wei, decimal string
	Deadline        time.Time       `json:"deadline"`
	Status          Status          `json:"status"`

	AssignedWorker *common.Address `json:"assigned_worker,omitempty"`
	WorkerEndpoint string          `json:"worker_endpoint,omitempty"`

	EscrowTxHash string          `json:"escrow_tx_hash,omitempty"`
	ResultHash   string          `json:"result_hash,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultCID    string          `json:"result_cid,omitempty"`

	AuthorizationSignature string    `json:"authorization_signature,omitempty"`
	AuthorizationNonce     uint64    `json:"authorization_nonce,omitempty"`
	AuthorizationExpiresAt time.Time `json:"authorization_expires_at,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition moves the task to the next status, enforcing the table and
// the record invariants.
func (t *Task) Transition(to Status) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is terminal (%s), cannot move to %s", t.TaskID.Hex(), t.Status, to)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", t.Status, to, t.TaskID.Hex())
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Assign binds a worker to the task. Only legal before the record leaves
// PENDING: an assigned worker implies status CREATED or later.
func (t *Task) Assign(worker common.Address, endpoint string) error {
	if t.Status != StatusPending {
		return fmt.Errorf("task %s already past assignment (status %s)", t.TaskID.Hex(), t.Status)
	}
	t.AssignedWorker = &worker
	t.WorkerEndpoint = endpoint
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the task to FAILED with a reason, from any non-terminal state.
func (t *Task) Fail(reason string) error {
	if err := t.Transition(StatusFailed); err != nil {
		return err
	}
	t.Error = reason
	return nil
}

// Cancel aborts a task that has not yet touched the chain. Only legal
// while PENDING: once funds sit in escrow, the refund path is the way
// out, not cancellation.
func (t *Task) Cancel() error {
	if t.Status != StatusPending {
		return fmt.Errorf("task %s cannot be cancelled in status %s", t.TaskID.Hex(), t.Status)
	}
	return t.Fail("cancelled")
}

// New creates a PENDING task record.
func New(taskID common.Hash, taskType string, input json.RawMessage, budget string, deadline time.Time) *Task {
	now := time.Now().UTC()
	return &Task{
		TaskID:          taskID,
		TaskType:        taskType,
		InputParameters: input,
		Budget:          budget,
		Deadline:        deadline,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
