package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// LogSource is the slice of an eth client the poller needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// PollerConfig configures an escrow event poller.
type PollerConfig struct {
	EscrowAddress common.Address
	Interval      time.Duration
	Confirmations uint64
	// WorkerFilter, when set, drops TaskCreated events addressed to other
	// workers before they reach the channel. Completed/refunded events are
	// never filtered: they carry no worker topic.
	WorkerFilter *common.Address
	BufferSize   int
}

// EventPoller detects escrow events by scanning block ranges. The target
// chain's log subscriptions are unreliable, so detection is polling-based:
// each tick scans [lastScanned+1, head-confirmations], and the high-water
// mark advances only after a fully successful scan. A failed RPC call
// leaves the mark untouched and the same range is retried next tick; a
// range is never skipped and never scanned twice.
type EventPoller struct {
	source  LogSource
	abi     abi.ABI
	cfg     PollerConfig
	logger  logging.Logger
	events  chan Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	last    uint64
	started bool
}

// NewEventPoller creates a poller over the given log source.
func NewEventPoller(source LogSource, escrowABI abi.ABI, cfg PollerConfig, logger logging.Logger) *EventPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &EventPoller{
		source: source,
		abi:    escrowABI,
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.BufferSize),
	}
}

// Events returns the channel typed escrow events are delivered on.
func (p *EventPoller) Events() <-chan Event {
	return p.events
}

// Start begins polling from the current head. Safe to call once.
func (p *EventPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("event poller already started")
	}

	head, err := p.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	p.last = head

	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.wg.Add(1)
	go p.loop(ctx)

	p.logger.Info("Event poller started",
		"escrow", p.cfg.EscrowAddress.Hex(),
		"from_block", head,
		"interval", p.cfg.Interval,
	)
	return nil
}

// Stop cancels the polling loop and waits for the in-flight tick.
func (p *EventPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started = false
	p.logger.Info("Event poller stopped", "last_block", p.last)
}

// LastScannedBlock returns the high-water mark.
func (p *EventPoller) LastScannedBlock() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *EventPoller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				// Transient RPC failure: the mark did not advance, the
				// same range is retried next tick.
				p.logger.Warn("Event scan failed, will retry range",
					"from_block", p.last+1,
					"error", err,
				)
			}
		}
	}
}

// Tick performs one scan. Exported so tests can drive the poller without
// timers.
func (p *EventPoller) Tick(ctx context.Context) error {
	current, err := p.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current block number: %w", err)
	}

	safe := current
	if current > p.cfg.Confirmations {
		safe = current - p.cfg.Confirmations
	}

	p.mu.Lock()
	last := p.last
	p.mu.Unlock()

	if safe <= last {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(last + 1),
		ToBlock:   new(big.Int).SetUint64(safe),
		Addresses: []common.Address{p.cfg.EscrowAddress},
		Topics: [][]common.Hash{{
			p.abi.Events["TaskCreated"].ID,
			p.abi.Events["TaskCompleted"].ID,
			p.abi.Events["TaskRefunded"].ID,
		}},
	}

	logs, err := p.source.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, log := range logs {
		event, err := p.parseLog(log)
		if err != nil {
			p.logger.Error("Failed to parse escrow log",
				"tx_hash", log.TxHash.Hex(),
				"block", log.BlockNumber,
				"error", err,
			)
			continue
		}
		if event == nil {
			continue
		}
		select {
		case p.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	p.last = safe
	p.mu.Unlock()

	p.logger.Debug("Scanned block range",
		"from_block", last+1,
		"to_block", safe,
		"events_found", len(logs),
	)
	return nil
}

func (p *EventPoller) parseLog(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log without topics")
	}

	switch log.Topics[0] {
	case p.abi.Events["TaskCreated"].ID:
		if len(log.Topics) < 4 {
			return nil, fmt.Errorf("TaskCreated log with %d topics", len(log.Topics))
		}
		worker := common.BytesToAddress(log.Topics[3].Bytes())
		if p.cfg.WorkerFilter != nil && worker != *p.cfg.WorkerFilter {
			return nil, nil
		}
		unpacked, err := p.abi.Unpack("TaskCreated", log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack TaskCreated: %w", err)
		}
		return &TaskCreatedEvent{
			TaskID:      log.Topics[1],
			Master:      common.BytesToAddress(log.Topics[2].Bytes()),
			Worker:      worker,
			Amount:      unpacked[0].(*big.Int),
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
		}, nil

	case p.abi.Events["TaskCompleted"].ID:
		if len(log.Topics) < 2 {
			return nil, fmt.Errorf("TaskCompleted log with %d topics", len(log.Topics))
		}
		unpacked, err := p.abi.Unpack("TaskCompleted", log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack TaskCompleted: %w", err)
		}
		return &TaskCompletedEvent{
			TaskID:      log.Topics[1],
			Result:      unpacked[0].([]byte),
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
		}, nil

	case p.abi.Events["TaskRefunded"].ID:
		if len(log.Topics) < 2 {
			return nil, fmt.Errorf("TaskRefunded log with %d topics", len(log.Topics))
		}
		return &TaskRefundedEvent{
			TaskID:      log.Topics[1],
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
		}, nil
	}

	return nil, nil
}

// ParseEscrowABI parses the embedded escrow ABI. Exposed for processes that
// build a poller without a full gateway.
func ParseEscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(escrowABI))
}
