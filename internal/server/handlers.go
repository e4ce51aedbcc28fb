package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zinlatt/presenced/internal/geo"
	"github.com/zinlatt/presenced/internal/health"
	"github.com/zinlatt/presenced/internal/ledger"
	"github.com/zinlatt/presenced/internal/logging"
	"github.com/zinlatt/presenced/internal/verify"
)

// HealthResponse for the health endpoint.
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Checks    []healthCheck `json:"checks,omitempty"`
	Timestamp string        `json:"timestamp"`
}

type healthCheck struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	state, statuses := s.checks.CheckAll(ctx)

	checks := make([]healthCheck, len(statuses))
	for i, st := range statuses {
		checks[i] = healthCheck{Name: st.Name, Healthy: st.Healthy, Detail: st.Detail}
	}

	if !s.healthy.Load() {
		state = health.StateUnhealthy
	}
	httpStatus := http.StatusOK
	if state == health.StateUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    string(state),
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Ledger inspection
// -----------------------------------------------------------------------------

func (s *Server) pendingHandler(c *gin.Context) {
	ctx := c.Request.Context()

	ranks, err := s.ledger.PendingByRank(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to list pending mutations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list pending mutations",
		})
		return
	}

	byType := make(map[string]int)
	var total int
	var items []*ledger.Mutation
	for _, group := range ranks {
		for _, m := range group {
			byType[string(m.EntityType)]++
			total++
			items = append(items, m)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"byType":    byType,
		"mutations": items,
	})
}

func (s *Server) ledgerStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	counts := make(map[string]int)
	for _, status := range []ledger.SyncStatus{
		ledger.StatusPendingCreation,
		ledger.StatusPendingModification,
		ledger.StatusPendingDeletion,
		ledger.StatusSynced,
	} {
		ms, err := s.ledger.Query(ctx, ledger.Filter{Status: status})
		if err != nil {
			logging.L(ctx).Error("failed to query ledger", "status", status, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to query ledger",
			})
			return
		}
		counts[string(status)] = len(ms)
	}

	c.JSON(http.StatusOK, gin.H{
		"deviceId":      s.cfg.DeviceID,
		"online":        s.monitor.Online(),
		"activeSession": s.activeSession.Load(),
		"statusCounts":  counts,
	})
}

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

func (s *Server) listSessionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	sessions, err := s.sessions.ListSessions(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list sessions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) startSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		ID   string `json:"id"`
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.ID == "" {
		req.ID = newSessionID()
	}

	sess := &ledger.Session{
		ID:        req.ID,
		OrgID:     s.cfg.OrgID,
		Name:      req.Name,
		StartedAt: time.Now().UTC(),
	}
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		logging.L(ctx).Error("failed to store session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store session",
		})
		return
	}

	// The session itself syncs through the ledger like everything else.
	if _, err := s.ledger.Record(ctx, ledger.EntitySession, sess.ID, ledger.StatusPendingCreation, sess); err != nil {
		logging.L(ctx).Error("failed to record session mutation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record session",
		})
		return
	}

	s.activeSession.Store(sess.ID)
	s.syncTimer.Wake()

	logging.L(ctx).Info("session started", "session_id", sess.ID, "name", sess.Name)
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (s *Server) endSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown session",
			})
			return
		}
		logging.L(ctx).Error("failed to load session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load session",
		})
		return
	}

	now := time.Now().UTC()
	if err := s.sessions.EndSession(ctx, id, now); err != nil {
		logging.L(ctx).Error("failed to end session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to end session",
		})
		return
	}
	if sess.EndedAt == nil {
		sess.EndedAt = &now
	}

	if _, err := s.ledger.Record(ctx, ledger.EntitySession, sess.ID, ledger.StatusPendingModification, sess); err != nil {
		logging.L(ctx).Error("failed to record session mutation", "error", err)
	}

	if err := s.reconciler.SessionEnded(ctx, sess.ID); err != nil {
		logging.L(ctx).Error("failed to register pending notification", "session_id", sess.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register notification",
		})
		return
	}

	if current, _ := s.activeSession.Load().(string); current == sess.ID {
		s.activeSession.Store("")
	}

	s.syncTimer.Wake()

	logging.L(ctx).Info("session ended", "session_id", sess.ID)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// -----------------------------------------------------------------------------
// Frame ingest
// -----------------------------------------------------------------------------

// ingestFrameHandler accepts a camera frame from the capture process. The
// request returns as soon as the frame is handed to the pipeline; sampling
// and verification happen off the request path.
func (s *Server) ingestFrameHandler(c *gin.Context) {
	if s.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "pipeline_disabled",
			"message": "No detection models configured on this device",
		})
		return
	}

	var req struct {
		Seq         uint64  `json:"seq"`
		Image       []byte  `json:"image"` // base64 in JSON
		Orientation int     `json:"orientation"`
		Lat         float64 `json:"lat"`
		Lng         float64 `json:"lng"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid frame payload",
		})
		return
	}

	// Processing outlives the HTTP request.
	ctx := context.WithoutCancel(c.Request.Context())
	s.pipeline.HandleFrame(ctx, verify.Frame{
		Seq:         req.Seq,
		Image:       req.Image,
		Orientation: req.Orientation,
		Location:    geo.Point{Lat: req.Lat, Lng: req.Lng},
		Release:     func() {},
	})

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// -----------------------------------------------------------------------------
// Manual triggers
// -----------------------------------------------------------------------------

func (s *Server) triggerSyncHandler(c *gin.Context) {
	s.syncTimer.Wake()
	c.JSON(http.StatusAccepted, gin.H{"status": "sync_requested"})
}

func (s *Server) triggerReconcileHandler(c *gin.Context) {
	s.barrierTimer.Wake()
	c.JSON(http.StatusAccepted, gin.H{"status": "reconcile_requested"})
}
