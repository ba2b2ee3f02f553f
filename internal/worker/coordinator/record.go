// Package coordinator runs the worker side of the protocol: observe escrow
// deposits addressed to this worker, pair each with its pushed
// authorization (in either arrival order), verify, execute the capability,
// and publish a signed settlement proof for pickup or submit it directly.
package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TaskState is the worker-side lifecycle state.
type TaskState string

const (
	StatePending    TaskState = "PENDING"
	StateAuthorized TaskState = "AUTHORIZED"
	StateRunning    TaskState = "RUNNING"
	StateSubmitted  TaskState = "SUBMITTED"
	StateCompleted  TaskState = "COMPLETED"
	StateFailed     TaskState = "FAILED"
)

// IsTerminal reports whether the record can still move.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

var validTransitions = map[TaskState][]TaskState{
	StatePending:    {StateAuthorized, StateFailed},
	StateAuthorized: {StateRunning, StateFailed},
	StateRunning:    {StateSubmitted, StateFailed},
	StateSubmitted:  {StateCompleted, StateFailed},
}

// TaskRecord mirrors one escrow task from this worker's perspective.
// Records live in memory only; a restart forgets them.
type TaskRecord struct {
	TaskID      common.Hash     `json:"task_id"`
	State       TaskState       `json:"state"`
	Master      common.Address  `json:"master"`
	AmountWei   string          `json:"amount_wei"`
	ServiceName string          `json:"service_name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	Output     json.RawMessage `json:"output,omitempty"`
	ResultHash string          `json:"result_hash,omitempty"`
	ResultCID  string          `json:"result_cid,omitempty"`
	// ProofSignature is the personal-sign signature over ResultHash the
	// master uses for relayed submission.
	ProofSignature   string `json:"proof_signature,omitempty"`
	SubmissionTxHash string `json:"submission_tx_hash,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// claimed marks the record as handed to an execution goroutine, so a
	// redelivered push cannot start a second run.
	claimed bool
}

func (r *TaskRecord) transition(to TaskState) error {
	if r.State.IsTerminal() {
		return fmt.Errorf("task %s is terminal (%s)", r.TaskID.Hex(), r.State)
	}
	for _, allowed := range validTransitions[r.State] {
		if allowed == to {
			r.State = to
			r.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s for task %s", r.State, to, r.TaskID.Hex())
}

func (r *TaskRecord) fail(reason string) {
	if r.State.IsTerminal() {
		return
	}
	r.State = StateFailed
	r.Error = reason
	r.UpdatedAt = time.Now().UTC()
}
