package http

import (
	stderrors "errors"
	"net/http"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/core/services"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/pkg/errors"
	"relaycast/pkg/tracing"

	"github.com/gin-gonic/gin"
)

// RelayHandler exposes the control operations on producers and
// consumers over HTTP.
type RelayHandler struct {
	consumers   ports.ConsumerRegistry
	producers   ports.ProducerRegistry
	authService services.AuthService
}

func NewRelayHandler(
	consumers ports.ConsumerRegistry,
	producers ports.ProducerRegistry,
	authService services.AuthService,
) *RelayHandler {
	return &RelayHandler{
		consumers:   consumers,
		producers:   producers,
		authService: authService,
	}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(h.authService))
	{
		api.GET("/consumers/:id", h.DumpConsumer)
		api.GET("/consumers/:id/stats", h.GetConsumerStats)
		api.GET("/producers/:id/stats", h.GetProducerStats)
	}

	mutating := api.Group("")
	mutating.Use(middleware.RequireRole(h.authService, services.RoleOperator))
	{
		mutating.POST("/producers", h.CreateProducer)
		mutating.POST("/producers/:id/consumers", h.CreateConsumer)
		mutating.POST("/consumers/:id/pause", h.PauseConsumer)
		mutating.POST("/consumers/:id/resume", h.ResumeConsumer)
		mutating.POST("/consumers/:id/packet-events", h.EnablePacketEvent)
		mutating.POST("/consumers/:id/key-frame", h.RequestKeyFrame)
		mutating.POST("/producers/:id/pause", h.PauseProducer)
		mutating.POST("/producers/:id/resume", h.ResumeProducer)
		mutating.DELETE("/producers/:id", h.CloseProducer)
	}
}

func (h *RelayHandler) DumpConsumer(c *gin.Context) {
	id := domain.ConsumerID(c.Param("id"))

	_, span := tracing.TraceConsumerOperation(c.Request.Context(), "dump", string(id))
	defer span.End()

	dump, err := h.consumers.DumpConsumer(id)
	if err != nil {
		c.Error(mapRegistryError(err, "consumer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"consumer": dump,
	})
}

func (h *RelayHandler) GetConsumerStats(c *gin.Context) {
	id := domain.ConsumerID(c.Param("id"))

	stats, err := h.consumers.GetConsumerStats(id)
	if err != nil {
		c.Error(mapRegistryError(err, "consumer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func (h *RelayHandler) PauseConsumer(c *gin.Context) {
	id := domain.ConsumerID(c.Param("id"))

	_, span := tracing.TraceConsumerOperation(c.Request.Context(), "pause", string(id))
	defer span.End()

	if err := h.consumers.PauseConsumer(id); err != nil {
		c.Error(mapRegistryError(err, "consumer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "paused",
	})
}

func (h *RelayHandler) ResumeConsumer(c *gin.Context) {
	id := domain.ConsumerID(c.Param("id"))

	_, span := tracing.TraceConsumerOperation(c.Request.Context(), "resume", string(id))
	defer span.End()

	if err := h.consumers.ResumeConsumer(id); err != nil {
		c.Error(mapRegistryError(err, "consumer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "resumed",
	})
}

func (h *RelayHandler) EnablePacketEvent(c *gin.Context) {
	id := domain.ConsumerID(c.Param("id"))

	var req struct {
		Types []string `json:"types" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if err := h.consumers.EnablePacketEvent(id, req.Types); err != nil {
		c.Error(mapRegistryError(err, "consumer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "enabled",
		"types":  req.Types,
	})
}

func (h *RelayHandler) RequestKeyFrame(c *gin.Context) {
	id := domain.ConsumerID(c.Param("id"))

	_, span := tracing.TraceConsumerOperation(c.Request.Context(), "key-frame", string(id))
	defer span.End()

	if err := h.consumers.RequestKeyFrame(id); err != nil {
		c.Error(mapRegistryError(err, "consumer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "requested",
	})
}

func (h *RelayHandler) CreateProducer(c *gin.Context) {
	var req struct {
		Kind          domain.MediaKind     `json:"kind" binding:"required"`
		RtpParameters domain.RtpParameters `json:"rtpParameters"`
		Paused        bool                 `json:"paused"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if !req.Kind.Valid() {
		c.Error(errors.NewInvalidInputError("kind must be audio or video"))
		return
	}

	_, span := tracing.TraceProducerOperation(c.Request.Context(), "create", "")
	defer span.End()

	id, err := h.producers.CreateProducer(req.Kind, req.RtpParameters, req.Paused)
	if err != nil {
		c.Error(mapRegistryError(err, "producer"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":   id,
		"kind": req.Kind,
	})
}

func (h *RelayHandler) CreateConsumer(c *gin.Context) {
	producerID := domain.ProducerID(c.Param("id"))

	var req struct {
		Kind                domain.MediaKind               `json:"kind" binding:"required"`
		RtpParameters       domain.RtpParameters           `json:"rtpParameters"`
		ConsumableEncodings []domain.RtpEncodingParameters `json:"consumableEncodings" binding:"required"`
		Paused              bool                           `json:"paused"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if !req.Kind.Valid() {
		c.Error(errors.NewInvalidInputError("kind must be audio or video"))
		return
	}

	_, span := tracing.TraceConsumerOperation(c.Request.Context(), "create", "")
	defer span.End()

	id, err := h.consumers.CreateConsumer(producerID, req.Kind, req.RtpParameters, req.ConsumableEncodings, req.Paused)
	if err != nil {
		c.Error(mapRegistryError(err, "producer"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         id,
		"producerId": producerID,
		"kind":       req.Kind,
	})
}

func (h *RelayHandler) GetProducerStats(c *gin.Context) {
	id := domain.ProducerID(c.Param("id"))

	stats, err := h.producers.GetProducerStats(id)
	if err != nil {
		c.Error(mapRegistryError(err, "producer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func (h *RelayHandler) PauseProducer(c *gin.Context) {
	id := domain.ProducerID(c.Param("id"))

	_, span := tracing.TraceProducerOperation(c.Request.Context(), "pause", string(id))
	defer span.End()

	if err := h.producers.PauseProducer(id); err != nil {
		c.Error(mapRegistryError(err, "producer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "paused",
	})
}

func (h *RelayHandler) ResumeProducer(c *gin.Context) {
	id := domain.ProducerID(c.Param("id"))

	_, span := tracing.TraceProducerOperation(c.Request.Context(), "resume", string(id))
	defer span.End()

	if err := h.producers.ResumeProducer(id); err != nil {
		c.Error(mapRegistryError(err, "producer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "resumed",
	})
}

func (h *RelayHandler) CloseProducer(c *gin.Context) {
	id := domain.ProducerID(c.Param("id"))

	_, span := tracing.TraceProducerOperation(c.Request.Context(), "close", string(id))
	defer span.End()

	if err := h.producers.CloseProducer(id); err != nil {
		c.Error(mapRegistryError(err, "producer"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "closed",
	})
}

func mapRegistryError(err error, resource string) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrConsumerNotFound),
		stderrors.Is(err, domain.ErrProducerNotFound):
		return errors.NewNotFoundError(resource)
	case stderrors.Is(err, domain.ErrInvalidRtpParameters),
		stderrors.Is(err, domain.ErrInvalidMediaKind):
		return errors.NewInvalidInputError(err.Error())
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, "registry operation failed", http.StatusInternalServerError)
	}
}
