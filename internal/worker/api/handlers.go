package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/axonhive/axonhive-backend/internal/worker/capabilities"
	"github.com/axonhive/axonhive-backend/internal/worker/coordinator"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// Handler carries the handler dependencies.
type Handler struct {
	logger      logging.Logger
	coordinator *coordinator.Coordinator
	registry    *capabilities.Registry
	address     common.Address
	endpoint    string
	startedAt   time.Time
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
		registry:    deps.Registry,
		address:     deps.WorkerAddress,
		endpoint:    deps.Endpoint,
		startedAt:   time.Now(),
	}
}

// systemStats is a point-in-time load snapshot advertised alongside the
// manifest so masters can factor worker health into selection.
type systemStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	Goroutines       int     `json:"goroutines"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

func (h *Handler) collectSystemStats() systemStats {
	stats := systemStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
	}
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedBytes = vm.Used
		stats.MemoryTotalBytes = vm.Total
	}
	return stats
}

// Manifest advertises the worker's identity, services, and current load.
func (h *Handler) Manifest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"worker":   h.address.Hex(),
		"endpoint": h.endpoint,
		"services": h.registry.Descriptors(),
		"system":   h.collectSystemStats(),
	})
}

// Authorize accepts the master's signed task authorization.
func (h *Handler) Authorize(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	var push coordinator.AuthorizationPush
	if err := c.ShouldBindJSON(&push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.HandleAuthorization(taskID, &push); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID.Hex()})
}

// Proof serves the settlement proof once the result is signed. 404 until
// then: the master polls.
func (h *Handler) Proof(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	resultHash, signature, ready := h.coordinator.Proof(taskID)
	if !ready {
		c.JSON(http.StatusNotFound, gin.H{"error": "no proof available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":     taskID.Hex(),
		"result_hash": resultHash,
		"signature":   signature,
	})
}

// Result serves the full output document for a finished task.
func (h *Handler) Result(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	record, found := h.coordinator.Record(taskID)
	if !found || len(record.Output) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":     taskID.Hex(),
		"output":      record.Output,
		"result_hash": record.ResultHash,
		"result_cid":  record.ResultCID,
	})
}

// TaskStatus reports the coordinator's record for a task.
func (h *Handler) TaskStatus(c *gin.Context) {
	taskID, ok := parseTaskID(c)
	if !ok {
		return
	}

	record, found := h.coordinator.Record(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// InferenceRequest is the direct paid execution payload.
type InferenceRequest struct {
	Input json.RawMessage `json:"input" binding:"required"`
}

// Inference runs a capability synchronously for a caller that paid through
// the 402 gate instead of escrow. No proof is produced: payment already
// settled.
func (h *Handler) Inference(c *gin.Context) {
	serviceID := c.Param("serviceId")
	capability, ok := h.registry.Get(serviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
		return
	}

	var req InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	output, err := capability.Execute(c.Request.Context(), req.Input)
	if err != nil {
		h.logger.Error("Direct inference failed", "service", serviceID, "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service_id": serviceID,
		"output":     output,
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "worker": h.address.Hex()})
}

func (h *Handler) Metrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

func parseTaskID(c *gin.Context) (common.Hash, bool) {
	id := c.Param("taskId")
	if len(id) != 66 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be 32-byte hex"})
		return common.Hash{}, false
	}
	return common.HexToHash(id), true
}
