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

	"github.com/axonhive/axonhive-backend/internal/worker/api"
	"github.com/axonhive/axonhive-backend/internal/worker/capabilities"
	"github.com/axonhive/axonhive-backend/internal/worker/config"
	"github.com/axonhive/axonhive-backend/internal/worker/coordinator"
	"github.com/axonhive/axonhive-backend/internal/worker/metrics"
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
		ProcessName:   logging.WorkerProcess,
		IsDevelopment: config.IsDevMode(),
	}

	logger, err := logging.NewZapLogger(logConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	logger.Info("Starting Worker service ...")
	metrics.StartMetricsCollection()

	chainID := big.NewInt(config.GetChainID())
	escrowAddress := common.HexToAddress(config.GetEscrowAddress())

	gateway, err := chain.NewGateway(chain.Config{
		RPCURL:          config.GetRPCURL(),
		ChainID:         chainID,
		RegistryAddress: common.HexToAddress(config.GetRegistryAddress()),
		EscrowAddress:   escrowAddress,
		PrivateKey:      config.GetWorkerPrivateKey(),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to chain", "error", err)
	}
	workerAddress := gateway.Address()
	logger.Info("[1/4] Chain gateway connected", "worker", workerAddress.Hex())

	registry, err := capabilities.LoadRegistry(config.GetCapabilitiesFilePath(),
		httpclient.NewClient(httpclient.DefaultConfig(), logger))
	if err != nil {
		logger.Fatal("Failed to load capabilities", "error", err)
	}
	logger.Info("[2/4] Capabilities loaded", "services", len(registry.Descriptors()))

	var ipfsClient *ipfs.Client
	var pinner coordinator.ResultPinner
	if config.GetPinataAPIKey() != "" {
		ipfsClient, err = ipfs.NewClient(ipfs.Config{
			APIKey:      config.GetPinataAPIKey(),
			SecretKey:   config.GetPinataSecretKey(),
			GatewayHost: config.GetIPFSGatewayHost(),
		})
		if err != nil {
			logger.Fatal("Failed to create IPFS client", "error", err)
		}
		pinner = ipfsClient
	}

	if config.ShouldRegisterOnStart() {
		if ipfsClient == nil {
			logger.Fatal("REGISTER_ON_START requires Pinata credentials to pin worker metadata")
		}
		if err := selfRegister(context.Background(), gateway, ipfsClient, logger); err != nil {
			logger.Fatal("Worker registration failed", "error", err)
		}
	}

	var expectedMaster common.Address
	if config.GetExpectedMaster() != "" {
		expectedMaster = common.HexToAddress(config.GetExpectedMaster())
	}

	coord := coordinator.New(
		authz.NewVerifier(authz.Domain{ChainID: chainID, VerifyingContract: escrowAddress}),
		registry,
		gateway,
		pinner,
		coordinator.Config{
			WorkerAddress:     workerAddress,
			ExpectedMaster:    expectedMaster,
			PrivateKey:        config.GetWorkerPrivateKey(),
			SubmitMode:        coordinator.SubmitMode(config.GetSubmitMode()),
			AuthorizationWait: config.GetAuthorizationWait(),
		}, logger)

	escrowABI, err := chain.ParseEscrowABI()
	if err != nil {
		logger.Fatal("Failed to parse escrow ABI", "error", err)
	}
	poller := chain.NewEventPoller(gateway.Client(), escrowABI, chain.PollerConfig{
		EscrowAddress: escrowAddress,
		Interval:      config.GetPollInterval(),
		Confirmations: uint64(config.GetConfirmations()),
		WorkerFilter:  &workerAddress,
	}, logger)

	gate := paygate.NewGate(paygate.Config{
		Amount:    config.GetInferencePriceWei(),
		Currency:  config.GetCurrency(),
		Recipient: workerAddress,
		ChainID:   chainID,
	}, gateway.Client(), logger)

	server := api.NewServer(api.Config{Port: config.GetAPIPort()}, api.Dependencies{
		Logger:        logger,
		Gate:          gate,
		Coordinator:   coord,
		Registry:      registry,
		WorkerAddress: workerAddress,
		Endpoint:      config.GetEndpoint(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := poller.Start(ctx); err != nil {
		logger.Fatal("Failed to start event poller", "error", err)
	}
	coord.Start(ctx, poller.Events())
	logger.Info("[3/4] Event poller and task coordinator running")

	go trackScannedBlock(ctx, poller)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("API server failed", "error", err)
		}
	}()
	logger.Info("[4/4] Worker service is running",
		"port", config.GetAPIPort(),
		"endpoint", config.GetEndpoint(),
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	logger.Info("Initiating graceful shutdown...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Warn("Non-critical errors during server shutdown", "error", err)
	}
	poller.Stop()
	coord.Stop()
	logger.Info("Worker service shutdown complete")
}

// selfRegister pins the worker's metadata document and registers its
// pointer on-chain, unless the worker is already active.
func selfRegister(ctx context.Context, gateway *chain.Gateway, client *ipfs.Client, logger logging.Logger) error {
	active, err := gateway.IsWorkerActive(ctx, gateway.Address())
	if err != nil {
		return fmt.Errorf("failed to check registration: %w", err)
	}
	if active {
		logger.Info("Worker already registered", "worker", gateway.Address().Hex())
		return nil
	}

	cid, err := client.PinJSON(ctx, "worker_metadata.json", map[string]string{
		"endpoint": config.GetEndpoint(),
	})
	if err != nil {
		return fmt.Errorf("failed to pin worker metadata: %w", err)
	}
	pointer, err := ipfs.DigestFromCID(cid)
	if err != nil {
		return fmt.Errorf("metadata CID is not storable on-chain: %w", err)
	}

	txHash, err := gateway.RegisterWorker(ctx, common.Hash(pointer))
	if err != nil {
		return fmt.Errorf("register transaction failed: %w", err)
	}
	logger.Info("Worker registered",
		"worker", gateway.Address().Hex(),
		"metadata_cid", cid,
		"tx_hash", txHash.Hex(),
	)
	return nil
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
