package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/axonhive/axonhive-backend/internal/master/metrics"
	"github.com/axonhive/axonhive-backend/pkg/chain"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// RegistryReader is the slice of the contract gateway the indexer needs.
type RegistryReader interface {
	GetAllWorkers(ctx context.Context) ([]common.Address, error)
	GetWorker(ctx context.Context, worker common.Address) (*chain.WorkerRecord, error)
}

// ManifestClient fetches a worker's manifest document.
type ManifestClient interface {
	GetJSON(ctx context.Context, url string, out interface{}) error
}

// MetadataResolver resolves a worker's on-chain metadata pointer to its
// self-published metadata document. *ipfs.Client satisfies it.
type MetadataResolver interface {
	FetchJSONByDigest(ctx context.Context, digest [32]byte, out any) error
}

// workerMetadata is the document a worker pins and registers on-chain.
type workerMetadata struct {
	Endpoint string `json:"endpoint"`
}

// IndexerConfig controls caching and endpoint resolution.
type IndexerConfig struct {
	// Endpoints maps worker addresses to their base URLs. The table takes
	// precedence over on-chain metadata pointers; workers resolvable
	// through neither are indexed from chain state but marked unreachable.
	Endpoints map[common.Address]string
	// Resolver, when set, resolves registry metadata pointers for workers
	// absent from the static table.
	Resolver MetadataResolver
	CacheTTL time.Duration
}

// Indexer builds and caches the market view: registered workers joined
// with their manifests. A worker whose manifest fetch fails keeps its
// last-known services, flagged unreachable, until the next successful
// refresh replaces them.
type Indexer struct {
	registry RegistryReader
	client   ManifestClient
	cfg      IndexerConfig
	logger   logging.Logger

	mu        sync.Mutex
	workers   map[common.Address]*WorkerView
	summary   *CapabilitySummary
	refreshed time.Time
}

func NewIndexer(registry RegistryReader, client ManifestClient, cfg IndexerConfig, logger logging.Logger) *Indexer {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Indexer{
		registry: registry,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		workers:  make(map[common.Address]*WorkerView),
	}
}

// Workers returns the current worker views, refreshing if the cache is
// stale.
func (i *Indexer) Workers(ctx context.Context) ([]WorkerView, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.ensureFresh(ctx); err != nil {
		return nil, err
	}

	out := make([]WorkerView, 0, len(i.workers))
	for _, view := range i.workers {
		out = append(out, *view)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Address.Hex() < out[b].Address.Hex()
	})
	return out, nil
}

// Summary returns the cached capability summary, refreshing if stale.
func (i *Indexer) Summary(ctx context.Context) (*CapabilitySummary, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.ensureFresh(ctx); err != nil {
		return nil, err
	}
	copied := *i.summary
	return &copied, nil
}

// Invalidate drops the cache; the next read refreshes. Call on worker
// registration changes.
func (i *Indexer) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refreshed = time.Time{}
}

func (i *Indexer) ensureFresh(ctx context.Context) error {
	if time.Since(i.refreshed) < i.cfg.CacheTTL && i.summary != nil {
		return nil
	}
	return i.refresh(ctx)
}

// refresh rebuilds the market view. Caller holds i.mu.
func (i *Indexer) refresh(ctx context.Context) error {
	addresses, err := i.registry.GetAllWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate workers: %w", err)
	}

	next := make(map[common.Address]*WorkerView, len(addresses))
	for _, addr := range addresses {
		record, err := i.registry.GetWorker(ctx, addr)
		if err != nil {
			i.logger.Warn("Failed to read worker record, skipping", "worker", addr.Hex(), "error", err)
			continue
		}
		if !record.IsActive {
			continue
		}

		view := &WorkerView{
			Address:          addr,
			Reputation:       record.Reputation,
			IsActive:         record.IsActive,
			RegistrationTime: record.RegistrationTime,
			Endpoint:         i.resolveEndpoint(ctx, addr, record),
		}
		i.populateServices(ctx, view)
		next[addr] = view
	}

	i.workers = next
	i.summary = buildSummary(next)
	i.refreshed = time.Now()
	metrics.WorkersDiscovered.Set(float64(len(next)))

	i.logger.Info("Worker index refreshed",
		"workers", len(next),
		"service_types", len(i.summary.AvailableServiceTypes),
	)
	return nil
}

// resolveEndpoint prefers the static table, then the worker's on-chain
// metadata pointer.
func (i *Indexer) resolveEndpoint(ctx context.Context, addr common.Address, record *chain.WorkerRecord) string {
	if endpoint, ok := i.cfg.Endpoints[addr]; ok {
		return endpoint
	}
	if i.cfg.Resolver == nil || record.MetadataPointer == (common.Hash{}) {
		return ""
	}

	var metadata workerMetadata
	if err := i.cfg.Resolver.FetchJSONByDigest(ctx, record.MetadataPointer, &metadata); err != nil {
		i.logger.Warn("Failed to resolve worker metadata pointer",
			"worker", addr.Hex(),
			"pointer", record.MetadataPointer.Hex(),
			"error", err,
		)
		return ""
	}
	return strings.TrimRight(metadata.Endpoint, "/")
}

// populateServices fetches the worker's manifest. On failure the previous
// view's services are retained and the worker is flagged unreachable.
func (i *Indexer) populateServices(ctx context.Context, view *WorkerView) {
	if view.Endpoint == "" {
		if prev, ok := i.workers[view.Address]; ok {
			view.Services = prev.Services
		}
		view.Reachable = false
		return
	}

	var manifest Manifest
	if err := i.client.GetJSON(ctx, view.Endpoint+"/manifest", &manifest); err != nil {
		metrics.ManifestFetchesTotal.WithLabelValues("failure").Inc()
		i.logger.Warn("Manifest fetch failed, retaining last-known services",
			"worker", view.Address.Hex(),
			"endpoint", view.Endpoint,
			"error", err,
		)
		if prev, ok := i.workers[view.Address]; ok {
			view.Services = prev.Services
		}
		view.Reachable = false
		return
	}
	metrics.ManifestFetchesTotal.WithLabelValues("success").Inc()

	services := make([]Service, 0, len(manifest.Services))
	for _, entry := range manifest.Services {
		services = append(services, Service{
			ServiceID:   entry.ServiceID,
			Name:        entry.Name,
			Description: entry.Description,
			PriceWei:    entry.PriceWei,
			Worker:      view.Address,
			Endpoint:    view.Endpoint,
		})
	}
	view.Services = services
	view.Reachable = true
}

func buildSummary(workers map[common.Address]*WorkerView) *CapabilitySummary {
	var services []Service
	seen := make(map[string]struct{})
	var types []string

	for _, view := range workers {
		services = append(services, view.Services...)
		for _, svc := range view.Services {
			if _, ok := seen[svc.ServiceID]; !ok {
				seen[svc.ServiceID] = struct{}{}
				types = append(types, svc.ServiceID)
			}
		}
	}
	sort.Slice(services, func(a, b int) bool {
		if services[a].ServiceID != services[b].ServiceID {
			return services[a].ServiceID < services[b].ServiceID
		}
		return services[a].Worker.Hex() < services[b].Worker.Hex()
	})
	sort.Strings(types)

	return &CapabilitySummary{
		Services:              services,
		AvailableServiceTypes: types,
		GeneratedAt:           time.Now().UTC(),
	}
}
