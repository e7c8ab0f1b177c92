package handlers

import (
	"net/http"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/services"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/utils"

	"github.com/labstack/echo/v4"
)

// APIHandler handles all API requests related to the bridge service.
type APIHandler struct {
	bridgeService *services.BridgeService
}

// NewAPIHandler creates a new instance of APIHandler.
func NewAPIHandler(bridgeService *services.BridgeService) *APIHandler {
	return &APIHandler{
		bridgeService: bridgeService,
	}
}

// RegisterRoutes attaches every handler under /api/v1.
func (h *APIHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	api.GET("/health", h.HealthCheck)
	api.GET("/chain/stats", h.GetChainStats)
	api.GET("/chain/:resourceType/:resourceId/verify", h.VerifyChain)
	api.GET("/readings/unmapped", h.GetUnmappedReadings)
	api.GET("/devices/:identifier", h.GetDevice)
}

// HealthCheck reports service liveness plus the session state of every
// device-family pipeline.
func (h *APIHandler) HealthCheck(c echo.Context) error {
	families := h.bridgeService.Health()

	healthy := true
	for _, f := range families {
		if !f.Healthy {
			healthy = false
		}
	}

	data := map[string]interface{}{
		"service":   "telemetry-bridge",
		"healthy":   healthy,
		"families":  families,
		"timestamp": utils.GetUnixTimestamp(),
	}
	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, utils.SuccessResponse("Service is degraded", data))
	}
	return c.JSON(http.StatusOK, utils.SuccessResponse("Service is healthy", data))
}

// VerifyChain re-walks one resource lineage and reports where, if
// anywhere, the hash chain breaks.
func (h *APIHandler) VerifyChain(c echo.Context) error {
	resourceType := c.Param("resourceType")
	resourceID := c.Param("resourceId")
	if resourceType == "" || resourceID == "" {
		return c.JSON(http.StatusBadRequest, utils.ErrorResponse("Resource type and resource ID are required"))
	}

	result, err := h.bridgeService.VerifyChain(resourceType, resourceID)
	if err != nil {
		if base.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, utils.ErrorResponse(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, utils.ErrorResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, utils.SuccessResponse("Chain verified", result))
}

// GetChainStats retrieves per-resource-type revision counts.
func (h *APIHandler) GetChainStats(c echo.Context) error {
	stats, err := h.bridgeService.ChainStats()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, utils.ErrorResponse(err.Error()))
	}

	counts, err := h.bridgeService.ReadingCounts()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, utils.ErrorResponse(err.Error()))
	}

	data := map[string]interface{}{
		"chain":    stats,
		"readings": counts,
	}
	return c.JSON(http.StatusOK, utils.SuccessResponse("Chain statistics retrieved successfully", data))
}

// GetUnmappedReadings lists recent readings that could not be resolved
// to a patient, newest first.
func (h *APIHandler) GetUnmappedReadings(c echo.Context) error {
	pagination := utils.GetPaginationParams(c.QueryParam("limit"), c.QueryParam("offset"), 50)

	readings, err := h.bridgeService.UnmappedReadings(pagination.Limit, pagination.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, utils.ErrorResponse(err.Error()))
	}

	response := utils.CreateListResponse(readings, len(readings), &pagination)
	return c.JSON(http.StatusOK, utils.SuccessResponse("Unmapped readings retrieved successfully", response))
}

// GetDevice retrieves the registry row for a device, including its
// patient linkage when one exists.
func (h *APIHandler) GetDevice(c echo.Context) error {
	identifier := c.Param("identifier")
	if identifier == "" {
		return c.JSON(http.StatusBadRequest, utils.ErrorResponse("Device identifier is required"))
	}

	device, err := h.bridgeService.GetDevice(identifier)
	if err != nil {
		if base.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, utils.ErrorResponse(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, utils.ErrorResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, utils.SuccessResponse("Device retrieved successfully", device))
}
