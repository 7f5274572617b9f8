package http

import (
	"net/http"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/errors"
	"streamgate/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const playlistFile = "index.m3u8"

type StreamHandler struct {
	controller ports.SessionController
	logger     *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*StreamHandler)(nil)

func NewStreamHandler(controller ports.SessionController, logger *zap.SugaredLogger) *StreamHandler {
	return &StreamHandler{
		controller: controller,
		logger:     logger,
	}
}

func (h *StreamHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/streams", h.CreateStream)
		api.GET("/streams", h.ListStreams)
		api.DELETE("/streams/:key", h.StopStream)
		api.GET("/streams/:key/status", h.GetStatus)
		api.DELETE("/streams/:key/subscribers/:sub", h.ReleaseSubscriber)
		api.GET("/streams/:key/snapshot", h.GetSnapshot)

		// playlist and segments share one route
		api.GET("/streams/:key/hls/:file", h.ServePlayback)
	}
}

type createStreamRequest struct {
	SourceURL string         `json:"sourceUrl" binding:"required"`
	Profile   domain.Profile `json:"profile"`
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	ticket, err := h.controller.CreateStream(c.Request.Context(), req.SourceURL, req.Profile)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	key, ok := streamKey(c)
	if !ok {
		return
	}

	if err := h.controller.StopStream(c.Request.Context(), key); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streamKey": key,
		"status":    "stopped",
	})
}

func (h *StreamHandler) ReleaseSubscriber(c *gin.Context) {
	key, ok := streamKey(c)
	if !ok {
		return
	}
	sub := c.Param("sub")
	if err := validation.ValidateSubscriberID(sub); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.controller.ReleaseStream(c.Request.Context(), key, domain.SubscriberID(sub)); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streamKey":    key,
		"subscriberId": sub,
		"status":       "released",
	})
}

func (h *StreamHandler) GetStatus(c *gin.Context) {
	key, ok := streamKey(c)
	if !ok {
		return
	}

	status, err := h.controller.GetStatus(c.Request.Context(), key)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.controller.ListStreams(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
	})
}

// ServePlayback serves the HLS playlist or one of its segments. A sub query
// parameter renews that subscriber's lease.
func (h *StreamHandler) ServePlayback(c *gin.Context) {
	key, ok := streamKey(c)
	if !ok {
		return
	}
	file := c.Param("file")

	if sub := c.Query("sub"); sub != "" {
		if err := h.controller.RenewLease(key, domain.SubscriberID(sub)); err != nil {
			h.logger.Debugw("lease renewal failed",
				"stream_key", key,
				"subscriber_id", sub,
				"error", err,
			)
		}
	}

	if file == playlistFile {
		playlist, err := h.controller.Manifest(c.Request.Context(), key)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.Header("Cache-Control", "no-cache, no-store")
		c.Data(http.StatusOK, "application/vnd.apple.mpegurl", playlist)
		return
	}

	path, err := h.controller.SegmentPath(c.Request.Context(), key, file)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Content-Type", "video/mp2t")
	c.Header("Cache-Control", "max-age=60")
	c.File(path)
}

func (h *StreamHandler) GetSnapshot(c *gin.Context) {
	key, ok := streamKey(c)
	if !ok {
		return
	}

	img, err := h.controller.Snapshot(c.Request.Context(), key)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", img)
}

func streamKey(c *gin.Context) (domain.StreamKey, bool) {
	key := c.Param("key")
	if err := validation.ValidateStreamKey(key); err != nil {
		// an ill-formed key can never name a session
		_ = c.Error(errors.NewNotFoundError("stream"))
		return "", false
	}
	return domain.StreamKey(key), true
}
