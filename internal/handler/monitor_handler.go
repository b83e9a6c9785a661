package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/response"
	"github.com/stemsi/exstem-candidate/internal/service"
)

const (
	refreshInterval   = 5 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // a slow Redis must not stall the SSE loop
)

type MonitorHandler struct {
	monitorService *service.MonitorService
	log            zerolog.Logger

	refreshEvery time.Duration
}

func NewMonitorHandler(monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
		refreshEvery:   refreshInterval,
	}
}

// GetMonitor godoc
// GET /api/v1/observer/exams/:exam_id/monitor
func (h *MonitorHandler) GetMonitor(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	snap, err := h.monitorService.Snapshot(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// StreamMonitor godoc
// GET /api/v1/observer/exams/:exam_id/monitor/stream
// Server-sent events: a snapshot right away, then one whenever the tally changes.
func (h *MonitorHandler) StreamMonitor(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()
	snap, err := h.snapshot(reqCtx, examID)
	if err != nil {
		failExam(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	refresh := time.NewTicker(h.refreshEvery)
	defer refresh.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	log := h.log.With().Str("exam_id", examID).Logger()
	log.Info().Msg("Observer attached to monitor stream")

	last := snap
	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Observer detached from monitor stream")
			return

		case <-refresh.C:
			next, err := h.snapshot(reqCtx, examID)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to refresh monitor snapshot")
				continue
			}
			if sameSnapshot(last, next) {
				continue
			}
			last = next
			c.SSEvent("snapshot", next)
			c.Writer.Flush()

		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

func (h *MonitorHandler) snapshot(ctx context.Context, examID string) (*model.ExamMonitor, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	return h.monitorService.Snapshot(ctx, examID)
}

func sameSnapshot(a, b *model.ExamMonitor) bool {
	if len(a.Candidates) != len(b.Candidates) {
		return false
	}
	for i := range a.Candidates {
		x, y := a.Candidates[i], b.Candidates[i]
		if x.CandidateID != y.CandidateID || x.Online != y.Online || x.Focused != y.Focused ||
			x.FocusLost != y.FocusLost || x.LeftExam != y.LeftExam || x.Submitted != y.Submitted ||
			x.Name != y.Name || x.LastEvent != y.LastEvent {
			return false
		}
	}
	return true
}
