package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TaskStatus mirrors the escrow contract's task status enum.
type TaskStatus uint8

const (
	TaskOpen TaskStatus = iota
	TaskCompleted
	TaskDisputed
	TaskRefunded
)

func (s TaskStatus) String() string {
	switch s {
	case TaskOpen:
		return "OPEN"
	case TaskCompleted:
		return "COMPLETED"
	case TaskDisputed:
		return "DISPUTED"
	case TaskRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// OnChainTask is the escrow-side task projection. The chain is the source
// of truth; master and worker state machines converge with it.
type OnChainTask struct {
	TaskID   common.Hash
	Master   common.Address
	Worker   common.Address
	Amount   *big.Int
	Deadline time.Time
	Status   TaskStatus
}

// Exists reports whether the escrow knows this task id.
func (t *OnChainTask) Exists() bool {
	return t.Master != (common.Address{})
}

// WorkerRecord is the registry's on-chain view of a worker.
type WorkerRecord struct {
	Address          common.Address
	MetadataPointer  common.Hash
	Reputation       *big.Int
	IsActive         bool
	RegistrationTime time.Time
}

// TaskCreatedEvent signals a new escrow deposit for a worker.
type TaskCreatedEvent struct {
	TaskID      common.Hash
	Master      common.Address
	Worker      common.Address
	Amount      *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// TaskCompletedEvent signals escrow settlement after a work submission.
type TaskCompletedEvent struct {
	TaskID      common.Hash
	Result      []byte
	BlockNumber uint64
	TxHash      common.Hash
}

// TaskRefundedEvent signals a deadline refund back to the master.
type TaskRefundedEvent struct {
	TaskID      common.Hash
	BlockNumber uint64
	TxHash      common.Hash
}

// Event is one of TaskCreatedEvent, TaskCompletedEvent, TaskRefundedEvent.
type Event interface {
	eventTaskID() common.Hash
}

func (e *TaskCreatedEvent) eventTaskID() common.Hash   { return e.TaskID }
func (e *TaskCompletedEvent) eventTaskID() common.Hash { return e.TaskID }
func (e *TaskRefundedEvent) eventTaskID() common.Hash  { return e.TaskID }
