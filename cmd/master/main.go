package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/axonhive/axonhive-backend/internal/master/api"
	"github.com/axonhive/axonhive-backend/internal/master/config"
	"github.com/axonhive/axonhive-backend/internal/master/discovery"
	"github.com/axonhive/axonhive-backend/internal/master/lifecycle"
	"github.com/axonhive/axonhive-backend/internal/master/metrics"
	"github.com/axonhive/axonhive-backend/internal/master/orchestrator"
	"github.com/axonhive/axonhive-backend/internal/master/pipeline"
	"github.com/axonhive/axonhive-backend/internal/master/selection"
	"github.com/axonhive/axonhive-backend/internal/master/tasks"
	"github.com/axonhive/axonhive-backend/pkg/authz"
	"github.com/axonhive/axonhive-backend/pkg/chain"
	"github.com/axonhive/axonhive-backend/pkg/httpclient"
	"github.com/axonhive/axonhive-backend/pkg/ipfs"
	"github.com/axonhive/axonhive-backend/pkg/logging"
	"github.com/axonhive/axonhive-backend/pkg/paygate"
)

func main() {
	// Initialize configuration
	if err := config.Init(); err != nil {
		panic(fmt.Sprintf("Failed to initialize config: %v", err))
	}

	// Initialize logger
	logConfig := logging.LoggerConfig{
		ProcessName:   logging.MasterProcess,
		IsDevelopment: config.IsDevMode(),
	}

	logger, err := logging.NewZapLogger(logConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	logger.Info("Starting Master service ...")
	metrics.StartMetricsCollection()

	chainID := big.NewInt(config.GetChainID())
	escrowAddress := common.HexToAddress(config.GetEscrowAddress())

	gateway, err := chain.NewGateway(chain.Config{
		RPCURL:          config.GetRPCURL(),
		ChainID:         chainID,
		RegistryAddress: common.HexToAddress(config.GetRegistryAddress()),
		EscrowAddress:   escrowAddress,
		PrivateKey:      config.GetMasterPrivateKey(),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to chain", "error", err)
	}
	logger.Info("[1/5] Chain gateway connected", "master", gateway.Address().Hex())

	escrowABI, err := chain.ParseEscrowABI()
	if err != nil {
		logger.Fatal("Failed to parse escrow ABI", "error", err)
	}
	poller := chain.NewEventPoller(gateway.Client(), escrowABI, chain.PollerConfig{
		EscrowAddress: escrowAddress,
		Interval:      config.GetPollInterval(),
		Confirmations: uint64(config.GetConfirmations()),
	}, logger)

	endpoints, err := discovery.LoadEndpoints(config.GetServicesFilePath())
	if err != nil {
		logger.Fatal("Failed to load worker endpoints", "error", err)
	}

	manifestHTTP := httpclient.DefaultConfig()
	manifestHTTP.Timeout = config.GetManifestTimeout()
	indexer := discovery.NewIndexer(gateway, httpclient.NewClient(manifestHTTP, logger), discovery.IndexerConfig{
		Endpoints: endpoints,
		Resolver:  ipfs.NewGatewayClient(config.GetIPFSGatewayHost()),
		CacheTTL:  config.GetManifestCacheTTL(),
	}, logger)
	logger.Info("[2/5] Worker discovery ready", "endpoints", len(endpoints))

	var repo tasks.Repository = tasks.NewMemoryRepository()
	var scylla *tasks.ScyllaRepository
	if config.IsDatabaseEnabled() {
		scylla, err = tasks.NewScyllaRepository(tasks.ScyllaConfig{
			Hosts:    []string{config.GetDatabaseHostAddress() + ":" + config.GetDatabaseHostPort()},
			Keyspace: config.GetDatabaseKeyspace(),
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		repo = scylla
	}

	selector, err := selection.NewWeightedSelector(config.GetSelectionStrategy(), selection.Weights{
		Reputation: config.GetSelectionReputationWeight(),
		Price:      config.GetSelectionPriceWeight(),
	})
	if err != nil {
		logger.Fatal("Invalid selection strategy", "error", err)
	}

	signer, err := authz.NewSigner(config.GetMasterPrivateKey(), authz.Domain{
		ChainID:           chainID,
		VerifyingContract: escrowAddress,
	})
	if err != nil {
		logger.Fatal("Failed to create authorization signer", "error", err)
	}

	orch := orchestrator.New(repo, indexer, selector, signer, gateway,
		httpclient.NewClient(httpclient.DefaultConfig(), logger),
		orchestrator.Config{
			AuthorizationTTL: config.GetAuthorizationTTL(),
			ResultTimeout:    config.GetResultTimeout(),
		}, logger)
	executor := pipeline.NewExecutor(orch, logger)
	logger.Info("[3/5] Orchestrator ready", "strategy", config.GetSelectionStrategy())

	monitor := lifecycle.NewMonitor(repo, gateway, poller.Events(), lifecycle.Config{
		RefundSweepSpec: config.GetRefundSweepSpec(),
		Index:           indexer,
	}, logger)

	gate := paygate.NewGate(paygate.Config{
		Amount:      config.GetTaskPriceWei(),
		Currency:    config.GetCurrency(),
		Recipient:   common.HexToAddress(config.GetPaymentRecipient()),
		ChainID:     chainID,
		OnChallenge: metrics.PaymentChallengesTotal.Inc,
		OnProof: func(accepted bool) {
			if accepted {
				metrics.PaymentProofsTotal.WithLabelValues("accepted").Inc()
			} else {
				metrics.PaymentProofsTotal.WithLabelValues("rejected").Inc()
			}
		},
	}, gateway.Client(), logger)

	server := api.NewServer(api.Config{Port: config.GetAPIPort()}, api.Dependencies{
		Logger:       logger,
		Gate:         gate,
		Orchestrator: orch,
		Executor:     executor,
		Indexer:      indexer,
		Repository:   repo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := poller.Start(ctx); err != nil {
		logger.Fatal("Failed to start event poller", "error", err)
	}
	if err := monitor.Start(ctx); err != nil {
		logger.Fatal("Failed to start lifecycle monitor", "error", err)
	}
	logger.Info("[4/5] Event poller and lifecycle monitor running")

	go trackScannedBlock(ctx, poller)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("API server failed", "error", err)
		}
	}()
	logger.Info("[5/5] Master service is running", "port", config.GetAPIPort())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	logger.Info("Initiating graceful shutdown...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Warn("Non-critical errors during server shutdown", "error", err)
	}
	monitor.Stop()
	poller.Stop()
	if scylla != nil {
		scylla.Close()
	}
	logger.Info("Master service shutdown complete")
}

func trackScannedBlock(ctx context.Context, poller *chain.EventPoller) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.LastScannedBlock.Set(float64(poller.LastScannedBlock()))
		}
	}
}
