package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/pkg/middleware"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/models"
	"github.com/grigta/registrar/services/registrar/internal/service"
)

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	maxBatchSize = 500
)

type batchRequest struct {
	Accounts []service.RegistrationRequest `json:"accounts" binding:"required"`
	Wait     bool                          `json:"wait"`
}

// PoolReporter exposes browser pool occupancy. *browser.Manager
// implements it.
type PoolReporter interface {
	Stats() browser.PoolStats
}

type HTTPHandler struct {
	registrar service.RegistrarService
	auth      *middleware.JWTAuth
	limiter   *middleware.RateLimiter
	pool      PoolReporter
	metrics   http.Handler
	logger    logger.Logger
}

// NewHTTPHandler wires the REST API. auth and limiter are optional; a nil
// value leaves the API open or unthrottled.
func NewHTTPHandler(registrar service.RegistrarService, auth *middleware.JWTAuth, limiter *middleware.RateLimiter, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		registrar: registrar,
		auth:      auth,
		limiter:   limiter,
		metrics:   promhttp.Handler(),
		logger:    log,
	}
}

// WithPool adds browser pool occupancy to the health report.
func (h *HTTPHandler) WithPool(pool PoolReporter) *HTTPHandler {
	h.pool = pool
	return h
}

func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(h.metrics))

	api := router.Group("/api/v1")
	if h.limiter != nil {
		api.Use(h.limiter.Middleware())
	}
	if h.auth != nil {
		api.Use(h.auth.Middleware())
	}

	write := h.role(RoleOperator)
	read := h.role(RoleOperator, RoleViewer)

	registrations := api.Group("/registrations")
	{
		registrations.POST("", write, h.Register)
		registrations.POST("/batch", write, h.RegisterBatch)
		registrations.GET("/:id", read, h.GetRegistration)
		registrations.POST("/:id/cancel", write, h.CancelRegistration)
	}
	api.GET("/accounts", read, h.ListAccounts)
	api.GET("/accounts/:id", read, h.GetAccount)
	api.GET("/stats", read, h.AccountStats)
}

func (h *HTTPHandler) role(roles ...string) gin.HandlerFunc {
	if h.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return h.auth.RequireRole(roles...)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": "registrar",
	}
	if h.pool != nil {
		body["browsers"] = h.pool.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *HTTPHandler) Register(c *gin.Context) {
	var request service.RegistrationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	status, err := h.registrar.Register(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, "Failed to start registration", err)
		return
	}

	c.JSON(http.StatusAccepted, status)
}

func (h *HTTPHandler) RegisterBatch(c *gin.Context) {
	var request batchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if len(request.Accounts) > maxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "Batch too large",
			"limit": maxBatchSize,
		})
		return
	}

	if request.Wait {
		report, err := h.registrar.RunBatch(c.Request.Context(), request.Accounts)
		if err != nil {
			h.respondError(c, "Failed to run batch", err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	submission, err := h.registrar.SubmitBatch(c.Request.Context(), request.Accounts)
	if err != nil {
		h.respondError(c, "Failed to start batch", err)
		return
	}
	c.JSON(http.StatusAccepted, submission)
}

func (h *HTTPHandler) GetRegistration(c *gin.Context) {
	status, err := h.registrar.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get registration", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *HTTPHandler) CancelRegistration(c *gin.Context) {
	id := c.Param("id")
	if err := h.registrar.Cancel(c.Request.Context(), id); err != nil {
		h.respondError(c, "Failed to cancel registration", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Cancellation requested",
		"run_id":  id,
	})
}

func (h *HTTPHandler) ListAccounts(c *gin.Context) {
	status := models.AccountStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	accounts, err := h.registrar.ListAccounts(c.Request.Context(), status, limit)
	if err != nil {
		h.respondError(c, "Failed to list accounts", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

func (h *HTTPHandler) GetAccount(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid account id"})
		return
	}

	account, err := h.registrar.GetAccount(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Failed to get account", err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *HTTPHandler) AccountStats(c *gin.Context) {
	counts, err := h.registrar.AccountStats(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to get account stats", err)
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"by_status": counts,
		"total":     total,
	})
}

func (h *HTTPHandler) respondError(c *gin.Context, message string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidAccount), errors.Is(err, service.ErrEmptyBatch):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, service.ErrAccountNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrRunFinished):
		code = http.StatusConflict
	case errors.Is(err, service.ErrPersistenceDisabled):
		code = http.StatusNotImplemented
	case errors.Is(err, service.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}

	if code == http.StatusInternalServerError {
		h.logger.Error(message, logger.Err(err), logger.F("path", c.FullPath()))
	}
	c.JSON(code, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
