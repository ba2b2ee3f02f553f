package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/axonhive/axonhive-backend/pkg/env"
)

type Config struct {
	devMode bool

	// Master API port
	apiPort string

	// Chain access
	rpcURL           string
	chainID          int64
	registryAddress  string
	escrowAddress    string
	masterPrivateKey string

	// Payment gate pricing
	paymentRecipient string
	taskPriceWei     *big.Int
	currency         string

	// Event polling
	pollInterval  time.Duration
	confirmations int

	// Authorization handshake
	authorizationTTL time.Duration

	// Lifecycle
	resultTimeout   time.Duration
	refundSweepSpec string

	// Discovery
	manifestCacheTTL time.Duration
	manifestTimeout  time.Duration
	servicesFilePath string
	ipfsGatewayHost  string

	// Selection
	selectionStrategy         string
	selectionReputationWeight float64
	selectionPriceWeight      float64

	// Optional ScyllaDB write-through task store
	databaseEnabled     bool
	databaseHostAddress string
	databaseHostPort    string
	databaseKeyspace    string
}

var cfg Config

func Init() error {
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	cfg = Config{
		devMode:                   env.GetEnvBool("DEV_MODE", false),
		apiPort:                   env.GetEnvString("MASTER_API_PORT", "9101"),
		rpcURL:                    env.GetEnvString("RPC_URL", ""),
		chainID:                   int64(env.GetEnvInt("CHAIN_ID", 11155111)),
		registryAddress:           env.GetEnvString("REGISTRY_ADDRESS", ""),
		escrowAddress:             env.GetEnvString("ESCROW_ADDRESS", ""),
		masterPrivateKey:          env.GetEnvString("MASTER_PRIVATE_KEY", ""),
		paymentRecipient:          env.GetEnvString("PAYMENT_RECIPIENT", ""),
		taskPriceWei:              env.GetEnvBigInt("TASK_PRICE_WEI", big.NewInt(20_000_000_000_000_000)),
		currency:                  env.GetEnvString("PAYMENT_CURRENCY", "ETH"),
		pollInterval:              env.GetEnvDuration("EVENT_POLL_INTERVAL", 5*time.Second),
		confirmations:             env.GetEnvInt("EVENT_CONFIRMATIONS", 2),
		authorizationTTL:          env.GetEnvDuration("AUTHORIZATION_TTL", 10*time.Minute),
		resultTimeout:             env.GetEnvDuration("RESULT_TIMEOUT", 5*time.Minute),
		refundSweepSpec:           env.GetEnvString("REFUND_SWEEP_SPEC", "@every 1m"),
		manifestCacheTTL:          env.GetEnvDuration("MANIFEST_CACHE_TTL", 5*time.Minute),
		manifestTimeout:           env.GetEnvDuration("MANIFEST_TIMEOUT", 10*time.Second),
		servicesFilePath:          env.GetEnvString("SERVICES_FILE_PATH", "config/services.yaml"),
		ipfsGatewayHost:           env.GetEnvString("IPFS_GATEWAY_HOST", "gateway.pinata.cloud"),
		selectionStrategy:         env.GetEnvString("SELECTION_STRATEGY", "reputation"),
		selectionReputationWeight: env.GetEnvFloat64("SELECTION_REPUTATION_WEIGHT", 0.5),
		selectionPriceWeight:      env.GetEnvFloat64("SELECTION_PRICE_WEIGHT", 0.5),
		databaseEnabled:           env.GetEnvBool("DATABASE_ENABLED", false),
		databaseHostAddress:       env.GetEnvString("DATABASE_HOST_ADDRESS", "localhost"),
		databaseHostPort:          env.GetEnvString("DATABASE_HOST_PORT", "9042"),
		databaseKeyspace:          env.GetEnvString("DATABASE_KEYSPACE", "axonhive"),
	}

	if cfg.rpcURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if cfg.masterPrivateKey == "" {
		return fmt.Errorf("MASTER_PRIVATE_KEY is required")
	}
	if cfg.registryAddress == "" || cfg.escrowAddress == "" {
		return fmt.Errorf("REGISTRY_ADDRESS and ESCROW_ADDRESS are required")
	}

	if !cfg.devMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}

func IsDevMode() bool {
	return cfg.devMode
}

func GetAPIPort() string {
	return cfg.apiPort
}

func GetRPCURL() string {
	return cfg.rpcURL
}

func GetChainID() int64 {
	return cfg.chainID
}

func GetRegistryAddress() string {
	return cfg.registryAddress
}

func GetEscrowAddress() string {
	return cfg.escrowAddress
}

func GetMasterPrivateKey() string {
	return cfg.masterPrivateKey
}

func GetPaymentRecipient() string {
	return cfg.paymentRecipient
}

func GetTaskPriceWei() *big.Int {
	return cfg.taskPriceWei
}

func GetCurrency() string {
	return cfg.currency
}

func GetPollInterval() time.Duration {
	return cfg.pollInterval
}

func GetConfirmations() int {
	return cfg.confirmations
}

func GetAuthorizationTTL() time.Duration {
	return cfg.authorizationTTL
}

func GetResultTimeout() time.Duration {
	return cfg.resultTimeout
}

func GetRefundSweepSpec() string {
	return cfg.refundSweepSpec
}

func GetManifestCacheTTL() time.Duration {
	return cfg.manifestCacheTTL
}

func GetManifestTimeout() time.Duration {
	return cfg.manifestTimeout
}

func GetServicesFilePath() string {
	return cfg.servicesFilePath
}

func GetIPFSGatewayHost() string {
	return cfg.ipfsGatewayHost
}

func GetSelectionStrategy() string {
	return cfg.selectionStrategy
}

func GetSelectionReputationWeight() float64 {
	return cfg.selectionReputationWeight
}

func GetSelectionPriceWeight() float64 {
	return cfg.selectionPriceWeight
}

func IsDatabaseEnabled() bool {
	return cfg.databaseEnabled
}

func GetDatabaseHostAddress() string {
	return cfg.databaseHostAddress
}

func GetDatabaseHostPort() string {
	return cfg.databaseHostPort
}

func GetDatabaseKeyspace() string {
	return cfg.databaseKeyspace
}
