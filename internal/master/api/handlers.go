package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axonhive/axonhive-backend/internal/master/discovery"
	"github.com/axonhive/axonhive-backend/internal/master/orchestrator"
	"github.com/axonhive/axonhive-backend/internal/master/pipeline"
	"github.com/axonhive/axonhive-backend/internal/master/tasks"
	"github.com/axonhive/axonhive-backend/pkg/logging"
)

// Handler carries the handler dependencies.
type Handler struct {
	logger       logging.Logger
	orchestrator *orchestrator.Orchestrator
	executor     *pipeline.Executor
	indexer      *discovery.Indexer
	repo         tasks.Repository
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		logger:       deps.Logger,
		orchestrator: deps.Orchestrator,
		executor:     deps.Executor,
		indexer:      deps.Indexer,
		repo:         deps.Repository,
	}
}

// HireRequest buys one service execution through escrow.
type HireRequest struct {
	ServiceType     string          `json:"service_type" binding:"required"`
	Input           json.RawMessage `json:"input" binding:"required"`
	BudgetWei       string          `json:"budget_wei" binding:"required"`
	PreferredWorker string          `json:"preferred_worker,omitempty"`
}

// OrchestrateRequest runs a multi-step plan.
type OrchestrateRequest struct {
	Steps []pipeline.StepSpec `json:"steps" binding:"required"`
	// BudgetWei caps the summed per-step prices after provider binding.
	BudgetWei   string `json:"budget_wei,omitempty"`
	Aggregation string `json:"aggregation,omitempty"`
}

// Hire executes a single paid task end to end.
func (h *Handler) Hire(c *gin.Context) {
	var req HireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	budget, ok := new(big.Int).SetString(req.BudgetWei, 10)
	if !ok || budget.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "budget_wei must be a positive decimal string"})
		return
	}

	orchReq := orchestrator.Request{
		ServiceType: req.ServiceType,
		Input:       req.Input,
		BudgetWei:   budget,
	}
	if req.PreferredWorker != "" {
		if !common.IsHexAddress(req.PreferredWorker) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "preferred_worker is not an address"})
			return
		}
		addr := common.HexToAddress(req.PreferredWorker)
		orchReq.PreferredWorker = &addr
	}

	task, output, err := h.orchestrator.Execute(c.Request.Context(), orchReq)
	if err != nil {
		status := http.StatusBadGateway
		if task != nil && task.Error != "" {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{
			"task_id": taskIDOrEmpty(task),
			"status":  statusOrEmpty(task),
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": task.TaskID.Hex(),
		"status":  task.Status,
		"output":  output,
	})
}

// ExecuteDirect is an alias over the same hire cycle kept for callers that
// phrase the request as "execute this service"; the escrow flow is
// identical.
func (h *Handler) ExecuteDirect(c *gin.Context) {
	h.Hire(c)
}

// Orchestrate plans and runs a multi-step pipeline.
func (h *Handler) Orchestrate(c *gin.Context) {
	var req OrchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := pipeline.BuildPlan(req.Steps)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var budget *big.Int
	if req.BudgetWei != "" {
		parsed, ok := new(big.Int).SetString(req.BudgetWei, 10)
		if !ok || parsed.Sign() <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "budget_wei must be a positive decimal string"})
			return
		}
		budget = parsed
	}

	summary, err := h.indexer.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err := pipeline.BindPlan(plan, summary, budget); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	state, runErr := h.executor.Run(c.Request.Context(), plan)
	output, aggErr := pipeline.Aggregate(req.Aggregation, state)

	response := gin.H{
		"task_id": plan.PlanID.Hex(),
		"status":  plan.Status,
		"results": state.Results,
		"summary": pipeline.Summarize(state),
	}
	if aggErr == nil {
		response["output"] = output
	}
	if runErr != nil {
		response["error"] = state.Error
		c.JSON(http.StatusUnprocessableEntity, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// PipelineStatus reports a plan's current run state.
func (h *Handler) PipelineStatus(c *gin.Context) {
	state, ok := h.executor.Status(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// TaskStatus reports a single task record.
func (h *Handler) TaskStatus(c *gin.Context) {
	id := c.Param("taskId")
	if len(id) != 66 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be 32-byte hex"})
		return
	}
	task, err := h.repo.Get(common.HexToHash(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask aborts a PENDING task. Tasks already deposited to escrow
// cannot be cancelled; the refund sweep reclaims those.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("taskId")
	if len(id) != 66 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be 32-byte hex"})
		return
	}
	task, err := h.repo.Get(common.HexToHash(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	if err := task.Cancel(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.Save(task); err != nil {
		h.logger.Error("Failed to persist cancelled task", "task_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist cancellation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "status": task.Status})
}

// Capabilities exposes the cached market view.
func (h *Handler) Capabilities(c *gin.Context) {
	summary, err := h.indexer.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Metrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

func taskIDOrEmpty(task *tasks.Task) string {
	if task == nil {
		return ""
	}
	return task.TaskID.Hex()
}

func statusOrEmpty(task *tasks.Task) tasks.Status {
	if task == nil {
		return ""
	}
	return task.Status
}
