// Package lifecycle converges master-side task records with escrow state.
// It consumes the poller's event stream to move records forward and runs a
// periodic refund sweep that recovers escrow for tasks whose deadline
// passed without settlement.
package lifecycle

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/axonhive/axonhive-backend/internal/master/metrics"
	"github.com/axonhive/axonhive-backend/internal/master/tasks"
	"github.com/axonhive/axonhive-backend/pkg/chain"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// EscrowClient is the slice of the contract gateway the monitor needs.
type EscrowClient interface {
	GetTask(ctx context.Context, taskID common.Hash) (*chain.OnChainTask, error)
	RefundTask(ctx context.Context, taskID common.Hash) (common.Hash, error)
	SlashReputation(ctx context.Context, worker common.Address) (common.Hash, error)
}

// MarketIndex is the discovery cache the monitor flushes when a refund
// changes a worker's on-chain standing.
type MarketIndex interface {
	Invalidate()
}

// Config controls sweep cadence and optional collaborators.
type Config struct {
	RefundSweepSpec string
	// Index, when set, is invalidated after reputation-changing events so
	// the next selection reads fresh worker records.
	Index MarketIndex
}

// Monitor advances task records on chain events and deadline expiry.
type Monitor struct {
	repo   tasks.Repository
	escrow EscrowClient
	events <-chan chain.Event
	cfg    Config
	logger logging.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(repo tasks.Repository, escrow EscrowClient, events <-chan chain.Event, cfg Config, logger logging.Logger) *Monitor {
	if cfg.RefundSweepSpec == "" {
		cfg.RefundSweepSpec = "@every 1m"
	}
	return &Monitor{
		repo:   repo,
		escrow: escrow,
		events: events,
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the event consumer and the refund sweep.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.cfg.RefundSweepSpec, func() {
		m.SweepRefunds(ctx)
	}); err != nil {
		return fmt.Errorf("invalid refund sweep spec %q: %w", m.cfg.RefundSweepSpec, err)
	}
	m.cron.Start()

	m.wg.Add(1)
	go m.consumeEvents(ctx)

	m.logger.Info("Lifecycle monitor started", "refund_sweep", m.cfg.RefundSweepSpec)
	return nil
}

// Stop halts the sweep and the event consumer.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.wg.Wait()
	m.logger.Info("Lifecycle monitor stopped")
}

func (m *Monitor) consumeEvents(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.events:
			if !ok {
				return
			}
			m.HandleEvent(event)
		}
	}
}

// HandleEvent reconciles one escrow event into the task store. Unknown
// task ids are logged and dropped: the escrow may carry tasks created by
// other masters.
func (m *Monitor) HandleEvent(event chain.Event) {
	switch ev := event.(type) {
	case *chain.TaskCreatedEvent:
		metrics.EventsDetectedTotal.WithLabelValues("task_created").Inc()
		m.onCreated(ev)
	case *chain.TaskCompletedEvent:
		metrics.EventsDetectedTotal.WithLabelValues("task_completed").Inc()
		m.onCompleted(ev)
	case *chain.TaskRefundedEvent:
		metrics.EventsDetectedTotal.WithLabelValues("task_refunded").Inc()
		m.onRefunded(ev)
	}
}

func (m *Monitor) onCreated(ev *chain.TaskCreatedEvent) {
	task, err := m.repo.Get(ev.TaskID)
	if err != nil {
		m.logger.Debug("TaskCreated for unknown task, ignoring", "task_id", ev.TaskID.Hex())
		return
	}
	if task.Status != tasks.StatusPending {
		return
	}
	if err := task.Transition(tasks.StatusCreated); err != nil {
		m.logger.Warn("Failed to apply TaskCreated", "task_id", ev.TaskID.Hex(), "error", err)
		return
	}
	task.EscrowTxHash = ev.TxHash.Hex()
	m.save(task)
}

func (m *Monitor) onCompleted(ev *chain.TaskCompletedEvent) {
	task, err := m.repo.Get(ev.TaskID)
	if err != nil {
		m.logger.Debug("TaskCompleted for unknown task, ignoring", "task_id", ev.TaskID.Hex())
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if err := task.Transition(tasks.StatusCompleted); err != nil {
		m.logger.Warn("Failed to apply TaskCompleted", "task_id", ev.TaskID.Hex(), "error", err)
		return
	}
	task.ResultHash = "0x" + hex.EncodeToString(ev.Result)
	metrics.TasksByTerminalStatus.WithLabelValues("completed").Inc()
	m.save(task)
	m.logger.Info("Task settled on-chain", "task_id", ev.TaskID.Hex(), "result_hash", task.ResultHash)
}

func (m *Monitor) onRefunded(ev *chain.TaskRefundedEvent) {
	task, err := m.repo.Get(ev.TaskID)
	if err != nil {
		m.logger.Debug("TaskRefunded for unknown task, ignoring", "task_id", ev.TaskID.Hex())
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if err := task.Transition(tasks.StatusRefunded); err != nil {
		m.logger.Warn("Failed to apply TaskRefunded", "task_id", ev.TaskID.Hex(), "error", err)
		return
	}
	metrics.TasksByTerminalStatus.WithLabelValues("refunded").Inc()
	m.save(task)
	// Whoever refunded also slashed the worker; cached reputations are
	// stale now.
	m.invalidateIndex()
}

// CanRefund reports whether a record is refund-eligible: non-terminal,
// past its deadline, and still open on-chain.
func CanRefund(task *tasks.Task, onChain *chain.OnChainTask, now time.Time) bool {
	if task.Status.IsTerminal() || task.Status == tasks.StatusPending {
		return false
	}
	if now.Before(task.Deadline) {
		return false
	}
	return onChain != nil && onChain.Exists() && onChain.Status == chain.TaskOpen
}

// SweepRefunds scans for refund-eligible tasks and recovers their escrow.
// Each refund also slashes the assigned worker's reputation: it took a
// deposit and never settled.
func (m *Monitor) SweepRefunds(ctx context.Context) {
	all, err := m.repo.List()
	if err != nil {
		m.logger.Error("Refund sweep failed to list tasks", "error", err)
		return
	}

	now := time.Now()
	for _, task := range all {
		if task.Status.IsTerminal() || task.Status == tasks.StatusPending || now.Before(task.Deadline) {
			continue
		}

		onChain, err := m.escrow.GetTask(ctx, task.TaskID)
		if err != nil {
			m.logger.Warn("Refund sweep failed to read escrow state",
				"task_id", task.TaskID.Hex(), "error", err)
			continue
		}
		if !CanRefund(task, onChain, now) {
			continue
		}

		txHash, err := m.escrow.RefundTask(ctx, task.TaskID)
		if err != nil {
			metrics.RefundsTotal.WithLabelValues("failure").Inc()
			m.logger.Error("Refund transaction failed",
				"task_id", task.TaskID.Hex(), "error", err)
			continue
		}
		metrics.RefundsTotal.WithLabelValues("success").Inc()

		if err := task.Transition(tasks.StatusRefunded); err != nil {
			m.logger.Warn("Refunded on-chain but local transition failed",
				"task_id", task.TaskID.Hex(), "error", err)
			continue
		}
		task.Error = "deadline passed without settlement"
		metrics.TasksByTerminalStatus.WithLabelValues("refunded").Inc()
		m.save(task)

		m.logger.Info("Task refunded",
			"task_id", task.TaskID.Hex(),
			"tx_hash", txHash.Hex(),
			"deadline", task.Deadline,
		)

		if task.AssignedWorker != nil {
			if _, err := m.escrow.SlashReputation(ctx, *task.AssignedWorker); err != nil {
				m.logger.Warn("Reputation slash failed",
					"worker", task.AssignedWorker.Hex(), "error", err)
			} else {
				m.invalidateIndex()
			}
		}
	}
}

func (m *Monitor) invalidateIndex() {
	if m.cfg.Index != nil {
		m.cfg.Index.Invalidate()
	}
}

func (m *Monitor) save(task *tasks.Task) {
	if err := m.repo.Save(task); err != nil {
		m.logger.Error("Failed to persist task record", "task_id", task.TaskID.Hex(), "error", err)
	}
}
