package tasks

import (
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrTaskNotFound = errors.New("task not found")

// Repository stores task records keyed by task id. Implementations must be
// safe for concurrent use.
type Repository interface {
	Save(task *Task) error
	Get(taskID common.Hash) (*Task, error)
	List() ([]*Task, error)
	ListByStatus(status Status) ([]*Task, error)
}

// MemoryRepository is the default process-local store.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[common.Hash]*Task
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[common.Hash]*Task),
	}
}

func (r *MemoryRepository) Save(task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *task
	r.tasks[task.TaskID] = &copied
	return nil
}

func (r *MemoryRepository) Get(taskID common.Hash) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

func (r *MemoryRepository) List() ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		copied := *task
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) ListByStatus(status Status) ([]*Task, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, task := range all {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}
