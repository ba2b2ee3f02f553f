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

	// Worker API port and advertised endpoint
	apiPort  string
	endpoint string

	// Chain access
	rpcURL           string
	chainID          int64
	registryAddress  string
	escrowAddress    string
	workerPrivateKey string

	// Expected master signer for authorization verification; empty means
	// any signer that matches the escrow deposit is accepted.
	expectedMaster string

	// Event polling
	pollInterval  time.Duration
	confirmations int

	// Submission behavior
	submitMode        string
	authorizationWait time.Duration

	// Capability registry
	capabilitiesFilePath string

	// Direct paid inference
	inferencePriceWei *big.Int
	currency          string

	// Self-registration on startup (requires Pinata credentials to pin
	// the metadata document the registry pointer references)
	registerOnStart bool

	// Result archival (optional)
	pinataAPIKey    string
	pinataSecretKey string
	ipfsGatewayHost string
}

var cfg Config

func Init() error {
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	cfg = Config{
		devMode:              env.GetEnvBool("DEV_MODE", false),
		apiPort:              env.GetEnvString("WORKER_API_PORT", "9201"),
		endpoint:             env.GetEnvString("WORKER_ENDPOINT", "http://localhost:9201"),
		rpcURL:               env.GetEnvString("RPC_URL", ""),
		chainID:              int64(env.GetEnvInt("CHAIN_ID", 11155111)),
		registryAddress:      env.GetEnvString("REGISTRY_ADDRESS", ""),
		escrowAddress:        env.GetEnvString("ESCROW_ADDRESS", ""),
		workerPrivateKey:     env.GetEnvString("WORKER_PRIVATE_KEY", ""),
		expectedMaster:       env.GetEnvString("EXPECTED_MASTER", ""),
		pollInterval:         env.GetEnvDuration("EVENT_POLL_INTERVAL", 5*time.Second),
		confirmations:        env.GetEnvInt("EVENT_CONFIRMATIONS", 2),
		submitMode:           env.GetEnvString("SUBMIT_MODE", "relay"),
		authorizationWait:    env.GetEnvDuration("AUTHORIZATION_WAIT", 2*time.Minute),
		capabilitiesFilePath: env.GetEnvString("CAPABILITIES_FILE_PATH", "config/capabilities.yaml"),
		inferencePriceWei:    env.GetEnvBigInt("INFERENCE_PRICE_WEI", big.NewInt(10_000_000_000_000_000)),
		currency:             env.GetEnvString("PAYMENT_CURRENCY", "ETH"),
		registerOnStart:      env.GetEnvBool("REGISTER_ON_START", false),
		pinataAPIKey:         env.GetEnvString("PINATA_API_KEY", ""),
		pinataSecretKey:      env.GetEnvString("PINATA_SECRET_API_KEY", ""),
		ipfsGatewayHost:      env.GetEnvString("IPFS_GATEWAY_HOST", "gateway.pinata.cloud"),
	}

	if cfg.rpcURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if cfg.workerPrivateKey == "" {
		return fmt.Errorf("WORKER_PRIVATE_KEY is required")
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

func GetEndpoint() string {
	return cfg.endpoint
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

func GetWorkerPrivateKey() string {
	return cfg.workerPrivateKey
}

func GetExpectedMaster() string {
	return cfg.expectedMaster
}

func GetPollInterval() time.Duration {
	return cfg.pollInterval
}

func GetConfirmations() int {
	return cfg.confirmations
}

func GetSubmitMode() string {
	return cfg.submitMode
}

func GetAuthorizationWait() time.Duration {
	return cfg.authorizationWait
}

func GetInferencePriceWei() *big.Int {
	return cfg.inferencePriceWei
}

func GetCurrency() string {
	return cfg.currency
}

func GetCapabilitiesFilePath() string {
	return cfg.capabilitiesFilePath
}

func ShouldRegisterOnStart() bool {
	return cfg.registerOnStart
}

func GetPinataAPIKey() string {
	return cfg.pinataAPIKey
}

func GetPinataSecretKey() string {
	return cfg.pinataSecretKey
}

func GetIPFSGatewayHost() string {
	return cfg.ipfsGatewayHost
}
