package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"github.com/MarcoPoloResearchLab/subsync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var errMissingSyncer = errors.New("submission syncer dependency required")

// SubmissionSyncer runs one sync for a user.
type SubmissionSyncer interface {
	SyncWithReport(ctx context.Context, userID submissions.UserID) (syncer.Report, error)
}

type Dependencies struct {
	Syncer            SubmissionSyncer
	Dispatcher        *RealtimeDispatcher
	Logger            *zap.Logger
	Clock             func() time.Time
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Syncer == nil {
		return nil, errMissingSyncer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	}))

	handler := &httpHandler{
		syncer:            deps.Syncer,
		dispatcher:        dispatcher,
		logger:            logger,
		clock:             clock,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/users/:user_id/submissions", handler.handleSyncSubmissions)
	router.GET("/users/:user_id/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	syncer            SubmissionSyncer
	dispatcher        *RealtimeDispatcher
	logger            *zap.Logger
	clock             func() time.Time
	heartbeatInterval time.Duration
}

type syncResponsePayload struct {
	UserID       string                   `json:"user_id"`
	RunID        string                   `json:"run_id"`
	Mode         string                   `json:"mode"`
	Count        int                      `json:"count"`
	NewCount     int                      `json:"new_count"`
	FailedWrites int                      `json:"failed_writes"`
	Submissions  []submissions.Submission `json:"submissions"`
}

type syncEventPayload struct {
	RunID         string  `json:"run_id"`
	Mode          string  `json:"mode"`
	Total         int     `json:"total"`
	SubmissionIDs []int64 `json:"submission_ids"`
	Timestamp     int64   `json:"timestamp_s"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSyncSubmissions(c *gin.Context) {
	userID, err := submissions.NewUserID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	report, err := h.syncer.SyncWithReport(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("submission sync failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(syncErrorStatus(err), gin.H{"error": "sync_failed", "code": syncer.ErrorCode(err)})
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		UserID:        userID.String(),
		EventType:     RealtimeEventSubmissionsSynced,
		RunID:         report.RunID,
		Mode:          string(report.Mode),
		Total:         len(report.Submissions),
		SubmissionIDs: report.NewIDs,
		Timestamp:     h.clock().UTC(),
	})

	items := report.Submissions
	if items == nil {
		items = []submissions.Submission{}
	}
	c.JSON(http.StatusOK, syncResponsePayload{
		UserID:       userID.String(),
		RunID:        report.RunID,
		Mode:         string(report.Mode),
		Count:        len(items),
		NewCount:     len(report.NewIDs),
		FailedWrites: report.FailedWrites,
		Submissions:  items,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID, err := submissions.NewUserID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	requestCtx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(requestCtx, userID.String())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestCtx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, syncEventPayload{
				RunID:         message.RunID,
				Mode:          message.Mode,
				Total:         message.Total,
				SubmissionIDs: message.SubmissionIDs,
				Timestamp:     message.Timestamp.Unix(),
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp_s": h.clock().UTC().Unix()})
			return true
		}
	})
}

func syncErrorStatus(err error) int {
	switch {
	case errors.Is(err, syncer.ErrFetchExhaustionExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, syncer.ErrFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
