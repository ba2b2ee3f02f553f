package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonhive/axonhive-backend/internal/worker/capabilities"
	"github.com/axonhive/axonhive-backend/internal/worker/coordinator"
	"github.com/axonhive/axonhive-backend/pkg/authz"
	"github.com/axonhive/axonhive-backend/pkg/logging"
	"github.com/axonhive/axonhive-backend/pkg/paygate"
)

var (
	testWorker    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testRecipient = testWorker
	testPrice     = big.NewInt(1000)
)

type echoCapability struct{}

func (echoCapability) Descriptor() capabilities.Descriptor {
	return capabilities.Descriptor{ServiceID: "echo", Name: "Echo", PriceWei: "1000"}
}

func (echoCapability) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

type fakeTxFetcher struct {
	txs map[common.Hash]*types.Transaction
}

func (f *fakeTxFetcher) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, assert.AnError
	}
	return tx, false, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := capabilities.NewRegistry()
	registry.Register(echoCapability{})

	paidTx := common.HexToHash("0x77")
	fetcher := &fakeTxFetcher{txs: map[common.Hash]*types.Transaction{
		paidTx: types.NewTx(&types.LegacyTx{
			Nonce:    1,
			To:       &testRecipient,
			Value:    testPrice,
			Gas:      21000,
			GasPrice: big.NewInt(1),
		}),
	}}

	coord := coordinator.New(
		authz.NewVerifier(authz.Domain{ChainID: big.NewInt(1), VerifyingContract: common.HexToAddress("0xe5")}),
		registry, nil, nil,
		coordinator.Config{WorkerAddress: testWorker},
		logging.NewNoOpLogger(),
	)

	return NewServer(Config{Port: "0"}, Dependencies{
		Logger: logging.NewNoOpLogger(),
		Gate: paygate.NewGate(paygate.Config{
			Amount:    testPrice,
			Currency:  "ETH",
			Recipient: testRecipient,
			ChainID:   big.NewInt(1),
		}, fetcher, logging.NewNoOpLogger()),
		Coordinator:   coord,
		Registry:      registry,
		WorkerAddress: testWorker,
		Endpoint:      "http://worker:9201",
	})
}

func perform(s *Server, method, path, header string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestManifestAdvertisesServicesAndLoad(t *testing.T) {
	server := newTestServer(t)

	w := perform(server, http.MethodGet, "/manifest", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var manifest struct {
		Worker   string                    `json:"worker"`
		Endpoint string                    `json:"endpoint"`
		Services []capabilities.Descriptor `json:"services"`
		System   systemStats               `json:"system"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &manifest))
	assert.Equal(t, testWorker.Hex(), manifest.Worker)
	assert.Equal(t, "http://worker:9201", manifest.Endpoint)
	require.Len(t, manifest.Services, 1)
	assert.Equal(t, "echo", manifest.Services[0].ServiceID)
	assert.Positive(t, manifest.System.Goroutines)
}

func TestInferenceIsPaymentGated(t *testing.T) {
	server := newTestServer(t)
	body := []byte(`{"input":{"msg":"hello"}}`)

	w := perform(server, http.MethodPost, "/inference/echo", "", body)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = perform(server, http.MethodPost, "/inference/echo",
		"L402 "+common.HexToHash("0x77").Hex(), body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"service_id":"echo","output":{"msg":"hello"}}`, w.Body.String())
}

func TestInferenceUnknownServiceAfterPayment(t *testing.T) {
	server := newTestServer(t)

	// Payment clears the gate first; the service lookup still fails.
	w := perform(server, http.MethodPost, "/inference/nope",
		"L402 "+common.HexToHash("0x77").Hex(), []byte(`{"input":{}}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthorizeValidatesPayload(t *testing.T) {
	server := newTestServer(t)

	w := perform(server, http.MethodPost, "/authorize/short", "", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	taskID := common.HexToHash("0x01")
	w = perform(server, http.MethodPost, "/authorize/"+taskID.Hex(), "", []byte(`{"service_type":"echo"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "push without an authorization is rejected")
}

func TestProofAndResultUnavailable(t *testing.T) {
	server := newTestServer(t)
	taskID := common.HexToHash("0x02")

	w := perform(server, http.MethodGet, "/proof/"+taskID.Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(server, http.MethodGet, "/result/"+taskID.Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(server, http.MethodGet, "/task/"+taskID.Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
