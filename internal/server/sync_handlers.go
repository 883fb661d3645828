package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxHistoryQueryLimit = 500

type connectivityRequestPayload struct {
	Online        *bool   `json:"online" validate:"required"`
	EffectiveType string  `json:"effective_type" validate:"omitempty,oneof=slow-2g 2g 3g 4g"`
	DownlinkMbps  float64 `json:"downlink_mbps" validate:"gte=0"`
	RTTMillis     int64   `json:"rtt_ms" validate:"gte=0"`
}

func (h *httpHandler) handleTriggerSync(c *gin.Context) {
	if !h.monitor.IsOnline() {
		c.JSON(http.StatusAccepted, gin.H{"started": false, "reason": "offline", "status": h.engine.Status()})
		return
	}
	started := h.trigger.Kick(context.WithoutCancel(c.Request.Context()))
	response := gin.H{"started": started, "status": h.engine.Status()}
	if !started {
		if h.engine.IsSyncing() {
			response["reason"] = "in_progress"
		} else {
			response["reason"] = "empty"
		}
	}
	c.JSON(http.StatusAccepted, response)
}

func (h *httpHandler) handleRetryFailed(c *gin.Context) {
	ctx := c.Request.Context()
	reset, err := h.store.ResetErrored(ctx)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	started := false
	if h.monitor.IsOnline() {
		started = h.trigger.Kick(context.WithoutCancel(ctx))
	}
	h.logger.Info("manual retry requested", zap.Int64("reset", reset), zap.Bool("started", started))
	c.JSON(http.StatusAccepted, gin.H{"reset": reset, "started": started, "status": h.engine.Status()})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      h.engine.Status(),
		"syncing":     h.engine.IsSyncing(),
		"max_retries": h.engine.MaxRetries(),
	})
}

func (h *httpHandler) handleSyncHistory(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryQueryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	runs, err := h.reporter.History(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("sync history unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.reporter.Refresh(c.Request.Context()); err != nil {
		h.logger.Warn("health refresh failed, serving cached counts", zap.Error(err))
	}
	c.JSON(http.StatusOK, h.reporter.Snapshot())
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.validate.Struct(request); err != nil {
		h.respondValidation(c, err)
		return
	}

	rtt := time.Duration(request.RTTMillis) * time.Millisecond
	effectiveType := request.EffectiveType
	if effectiveType == "" {
		effectiveType = network.ClassifyRTT(rtt)
	}
	h.monitor.Report(network.State{
		Online:        *request.Online,
		EffectiveType: effectiveType,
		DownlinkMbps:  request.DownlinkMbps,
		RTT:           rtt,
	})
	c.JSON(http.StatusOK, h.monitor.Current())
}
