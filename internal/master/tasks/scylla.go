package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocql/gocql"

	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// ScyllaConfig holds connection settings for the durable task store.
type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// ScyllaRepository is a write-through layer over the in-memory repository:
// reads are served from memory, writes also land in ScyllaDB so records
// survive a restart for inspection. A failed database write degrades to a
// warning, not an error: the chain, not the store, is the source of truth.
type ScyllaRepository struct {
	inner   *MemoryRepository
	session *gocql.Session
	logger  logging.Logger
}

var _ Repository = (*ScyllaRepository)(nil)

const createTableCQL = `CREATE TABLE IF NOT EXISTS task_records (
	task_id text PRIMARY KEY,
	task_type text,
	status text,
	assigned_worker text,
	budget text,
	deadline timestamp,
	record text,
	updated_at timestamp
)`

func NewScyllaRepository(cfg ScyllaConfig, logger logging.Logger) (*ScyllaRepository, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ScyllaDB: %w", err)
	}

	if err := session.Query(createTableCQL).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure task_records table: %w", err)
	}

	return &ScyllaRepository{
		inner:   NewMemoryRepository(),
		session: session,
		logger:  logger,
	}, nil
}

func (r *ScyllaRepository) Save(task *Task) error {
	if err := r.inner.Save(task); err != nil {
		return err
	}

	record, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	var worker string
	if task.AssignedWorker != nil {
		worker = task.AssignedWorker.Hex()
	}

	if err := r.session.Query(
		`INSERT INTO task_records (task_id, task_type, status, assigned_worker, budget, deadline, record, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID.Hex(), task.TaskType, string(task.Status), worker,
		task.Budget, task.Deadline, string(record), task.UpdatedAt,
	).Exec(); err != nil {
		r.logger.Warn("Task write-through failed, record kept in memory only",
			"task_id", task.TaskID.Hex(),
			"error", err,
		)
	}
	return nil
}

func (r *ScyllaRepository) Get(taskID common.Hash) (*Task, error) {
	return r.inner.Get(taskID)
}

func (r *ScyllaRepository) List() ([]*Task, error) {
	return r.inner.List()
}

func (r *ScyllaRepository) ListByStatus(status Status) ([]*Task, error) {
	return r.inner.ListByStatus(status)
}

func (r *ScyllaRepository) Close() {
	r.session.Close()
}
